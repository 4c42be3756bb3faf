// Package codegen regenerates executable agent source from a snapshot.
//
// The output is a Go program for the embedded interpreter. It rebuilds
// the scope tree top-down: each scope becomes a block that declares its
// hoisted names and bindings, relabels the objects it owns and then
// invokes one function literal per child scope with the captured call
// parameters. Values that point at other labeled values are resolved in
// a link phase that runs once the whole tree exists. Timers and stdin
// listeners are re-attached last.
package codegen

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"github.com/iambrandonn/roam/internal/snapshot"
)

// SysImport is the import path of the host package inside the interpreter.
const SysImport = "roam/sys"

var primitiveTypes = map[string]bool{
	"bool": true, "string": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"float32": true, "float64": true,
}

var sysTypes = map[string]bool{
	"*sys.Object":   true,
	"*sys.Array":    true,
	"*sys.Buffer":   true,
	"*sys.Function": true,
	"*sys.Import":   true,
}

// Stdin listener kinds accepted by sys.RestoreStdin.
const (
	StdinLine    = "line"
	StdinSegment = "segment"
	StdinJSON    = "json"
)

// GoScript renders snap as a gofmt'ed program exporting func Run.
func GoScript(snap *snapshot.Snapshot) (string, error) {
	if snap == nil || snap.Tree == nil {
		return "", fmt.Errorf("codegen: snapshot has no scope tree")
	}
	if snap.Tree.ID != "0" {
		return "", fmt.Errorf("codegen: root scope id is %q, want \"0\"", snap.Tree.ID)
	}

	pkgs, err := usedPackages(snap)
	if err != nil {
		return "", fmt.Errorf("codegen: %w", err)
	}

	g := &generator{}
	g.line("// Code generated by roam from a snapshot. DO NOT EDIT.")
	if snap.Meta.Filename != "" {
		g.line("// Source: %s", sanitizeComment(snap.Meta.Filename))
	}
	g.line("")
	g.line("package main")
	g.line("")
	g.line("import (")
	g.line("%q", SysImport)
	for _, pkg := range pkgs {
		if pkg.Name != "" {
			g.line("%s %q", pkg.Name, pkg.Path)
		} else {
			g.line("%q", pkg.Path)
		}
	}
	g.line(")")
	g.line("")
	g.line("func Run() {")
	g.line("_scope0 := sys.Enter(%q)", snap.Tree.ID)
	if err := g.scopeBody(snap.Tree); err != nil {
		return "", err
	}
	g.line("if err := sys.Link(); err != nil {")
	g.line("panic(err)")
	g.line("}")
	if err := g.timers(snap.Timers); err != nil {
		return "", err
	}
	if err := g.stdin(snap.Stdin); err != nil {
		return "", err
	}
	g.line("}")

	src := g.b.String()
	out, err := format.Source([]byte(src))
	if err != nil {
		return "", fmt.Errorf("codegen: generated source does not parse: %w\n%s", err, src)
	}
	return string(out), nil
}

type generator struct {
	b strings.Builder
}

func (g *generator) line(format string, args ...any) {
	fmt.Fprintf(&g.b, format, args...)
	g.b.WriteByte('\n')
}

func scopeVar(id string) string {
	return "_scope" + id
}

// scopeBody writes the statements of one scope. The scope variable is
// already declared and params are bound as function parameters.
func (g *generator) scopeBody(s *snapshot.Scope) error {
	if err := validScopeID(s.ID); err != nil {
		return err
	}
	sv := scopeVar(s.ID)
	g.line("_ = %s", sv)

	// Bindings first, so closures restored below can see them.
	for _, name := range sortedKeys(s.Refs) {
		if err := checkIdent(name); err != nil {
			return err
		}
		if _, isParam := s.Params[name]; isParam {
			continue
		}
		typ, err := declType(s.Refs[name])
		if err != nil {
			return fmt.Errorf("scope %s ref %q: %w", s.ID, name, err)
		}
		g.line("var %s %s", name, typ)
		g.line("_ = %s", name)
	}
	for _, name := range s.Hoisted {
		if err := checkIdent(name); err != nil {
			return err
		}
		if _, ok := s.Refs[name]; ok {
			continue
		}
		if _, ok := s.Params[name]; ok {
			continue
		}
		g.line("var %s any", name)
		g.line("_ = %s", name)
	}
	if len(s.Hoisted) > 0 {
		g.line("%s.Hoist(%s)", sv, quoteAll(s.Hoisted))
	}

	for _, name := range sortedKeys(s.Refs) {
		v := s.Refs[name]
		if err := g.assign(sv, name, v, false); err != nil {
			return fmt.Errorf("scope %s ref %q: %w", s.ID, name, err)
		}
		g.line("%s.Ref(%q, func() any { return %s })", sv, name, name)
	}

	for _, key := range snapshot.SortedIDs(s.Objects) {
		local, err := strconv.Atoi(key)
		if err != nil || local <= 0 {
			return fmt.Errorf("scope %s: invalid local id %q", s.ID, key)
		}
		if err := g.object(sv, local, s.Objects[key]); err != nil {
			return fmt.Errorf("scope %s object %d: %w", s.ID, local, err)
		}
	}

	for _, id := range snapshot.SortedIDs(s.Children) {
		if err := g.child(sv, s.Children[id]); err != nil {
			return err
		}
	}
	return nil
}

// assign sets a declared variable to v. Values that reference labeled
// values are assigned during the link phase.
func (g *generator) assign(sv, name string, v *snapshot.Value, param bool) error {
	if !v.HasRefs() {
		if param {
			return nil
		}
		e, err := expr(v, false)
		if err != nil {
			return err
		}
		if e != "nil" {
			g.line("%s = %s", name, e)
		}
		return nil
	}
	e, err := expr(v, true)
	if err != nil {
		return err
	}
	if v.Type == snapshot.KindRef && v.GoType != "" {
		if !sysTypes[v.GoType] {
			return fmt.Errorf("unsupported reference type %q", v.GoType)
		}
		e = fmt.Sprintf("%s.(%s)", e, v.GoType)
	}
	g.line("sys.Defer(func() {")
	g.line("%s = %s", name, e)
	if param {
		g.line("%s.Param(%q, %s)", sv, name, name)
	}
	g.line("})")
	return nil
}

func (g *generator) object(sv string, local int, v *snapshot.Value) error {
	switch v.Type {
	case snapshot.KindObject:
		fields, err := mapLiteral(v.Fields, false)
		if err != nil {
			return err
		}
		g.line("%s.RestoreObject(%d, %s)", sv, local, fields)
	case snapshot.KindArray:
		items, err := sliceLiteral(v.Items, false)
		if err != nil {
			return err
		}
		g.line("%s.RestoreArray(%d, %s)", sv, local, items)
	case snapshot.KindBuffer:
		g.line("%s.RestoreBuffer(%d, %s)", sv, local, bytesLiteral(v.Data))
	case snapshot.KindImport:
		g.line("%s.RestoreImport(%d, %q)", sv, local, v.Spec)
	case snapshot.KindFunction:
		if strings.TrimSpace(v.Source) == "" {
			return fmt.Errorf("function has no source")
		}
		if err := checkFuncLit(v.Source); err != nil {
			return err
		}
		helper := "RestoreFunc"
		switch v.GoType {
		case "func()":
			helper = "RestoreCallback"
		case "func(string)":
			helper = "RestoreListener"
		}
		g.line("%s.%s(%d, %q, %s)", sv, helper, local, v.Source, v.Source)
	default:
		return fmt.Errorf("cannot own a %s value", v.Type)
	}
	return nil
}

func (g *generator) child(parentVar string, c *snapshot.Scope) error {
	if err := validScopeID(c.ID); err != nil {
		return err
	}
	names := sortedKeys(c.Params)
	params := make([]string, 0, len(names))
	args := make([]string, 0, len(names))
	for _, name := range names {
		if err := checkIdent(name); err != nil {
			return err
		}
		v := c.Params[name]
		typ, err := declType(v)
		if err != nil {
			return fmt.Errorf("scope %s param %q: %w", c.ID, name, err)
		}
		params = append(params, name+" "+typ)
		if v.HasRefs() {
			args = append(args, zeroValue(typ))
			continue
		}
		e, err := expr(v, false)
		if err != nil {
			return fmt.Errorf("scope %s param %q: %w", c.ID, name, err)
		}
		if e == "nil" {
			e = zeroValue(typ)
		}
		args = append(args, e)
	}

	sv := scopeVar(c.ID)
	g.line("func(%s) {", strings.Join(params, ", "))
	g.line("%s := %s.Enter(%q)", sv, parentVar, c.ID)
	for _, name := range names {
		g.line("%s.Param(%q, %s)", sv, name, name)
		if err := g.assign(sv, name, c.Params[name], true); err != nil {
			return fmt.Errorf("scope %s param %q: %w", c.ID, name, err)
		}
	}
	if err := g.scopeBody(c); err != nil {
		return err
	}
	g.line("}(%s)", strings.Join(args, ", "))
	return nil
}

func (g *generator) timers(timers map[string]snapshot.Timer) error {
	for _, id := range snapshot.SortedIDs(timers) {
		t := timers[id]
		if _, _, err := snapshot.ParseURI(t.CallbackURI); err != nil {
			return fmt.Errorf("timer %s: %w", id, err)
		}
		g.line("sys.RestoreTimer(%q, sys.Timer{Type: %q, CallbackURI: %q, Timedelta: %d, CalledAt: %d, ClearedAt: %d, StoppedAt: %d})",
			id, t.Type, t.CallbackURI, t.Timedelta, t.CalledAt, t.ClearedAt, t.StoppedAt)
	}
	return nil
}

func (g *generator) stdin(s snapshot.Stdin) error {
	groups := []struct {
		kind string
		uris []string
	}{
		{StdinLine, s.Listeners},
		{StdinSegment, s.SegmentListeners},
		{StdinJSON, s.JSONListeners},
	}
	for _, grp := range groups {
		for _, uri := range grp.uris {
			if _, _, err := snapshot.ParseURI(uri); err != nil {
				return fmt.Errorf("stdin listener: %w", err)
			}
			g.line("sys.RestoreStdin(%q, %q)", grp.kind, uri)
		}
	}
	return nil
}

// expr renders v as a Go expression. Inside owned objects references
// become placeholders patched at link time; during the link phase
// (resolve) they are looked up directly.
func expr(v *snapshot.Value, resolve bool) (string, error) {
	if v == nil {
		return "nil", nil
	}
	switch v.Type {
	case snapshot.KindNil:
		return "nil", nil
	case snapshot.KindPrimitive:
		return primitiveLiteral(v)
	case snapshot.KindRef:
		if err := validScopeID(v.Scope); err != nil {
			return "", err
		}
		if v.Local <= 0 {
			return "", fmt.Errorf("reference %s has no local id", v.Scope)
		}
		if resolve {
			return fmt.Sprintf("sys.Lookup(%q, %d)", v.Scope, v.Local), nil
		}
		return fmt.Sprintf("sys.RefTo(%q, %d)", v.Scope, v.Local), nil
	case snapshot.KindObject:
		return mapLiteral(v.Fields, resolve)
	case snapshot.KindArray:
		return sliceLiteral(v.Items, resolve)
	case snapshot.KindBuffer:
		return bytesLiteral(v.Data), nil
	default:
		return "", fmt.Errorf("a %s value must be owned by a scope", v.Type)
	}
}

func primitiveLiteral(v *snapshot.Value) (string, error) {
	if !primitiveTypes[v.GoType] {
		return "", fmt.Errorf("unsupported primitive type %q", v.GoType)
	}
	switch v.GoType {
	case "string":
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return "", fmt.Errorf("decode string: %w", err)
		}
		return strconv.Quote(s), nil
	case "bool":
		var b bool
		if err := json.Unmarshal(v.Value, &b); err != nil {
			return "", fmt.Errorf("decode bool: %w", err)
		}
		return strconv.FormatBool(b), nil
	}
	var n json.Number
	if err := json.Unmarshal(v.Value, &n); err != nil {
		return "", fmt.Errorf("decode %s: %w", v.GoType, err)
	}
	if v.GoType == "int" {
		if _, err := n.Int64(); err != nil {
			return "", fmt.Errorf("decode int: %w", err)
		}
		return n.String(), nil
	}
	if _, err := n.Float64(); err != nil {
		return "", fmt.Errorf("decode %s: %w", v.GoType, err)
	}
	return fmt.Sprintf("%s(%s)", v.GoType, n.String()), nil
}

func mapLiteral(fields map[string]*snapshot.Value, resolve bool) (string, error) {
	var b strings.Builder
	b.WriteString("map[string]any{")
	for _, k := range sortedKeys(fields) {
		e, err := expr(fields[k], resolve)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", k, err)
		}
		fmt.Fprintf(&b, "%q: %s, ", k, e)
	}
	b.WriteString("}")
	return b.String(), nil
}

func sliceLiteral(items []*snapshot.Value, resolve bool) (string, error) {
	var b strings.Builder
	b.WriteString("[]any{")
	for i, item := range items {
		e, err := expr(item, resolve)
		if err != nil {
			return "", fmt.Errorf("item %d: %w", i, err)
		}
		b.WriteString(e)
		b.WriteString(", ")
	}
	b.WriteString("}")
	return b.String(), nil
}

func bytesLiteral(data []byte) string {
	return fmt.Sprintf("[]byte(%s)", strconv.Quote(string(data)))
}

func declType(v *snapshot.Value) (string, error) {
	if v == nil {
		return "any", nil
	}
	switch v.Type {
	case snapshot.KindPrimitive:
		if !primitiveTypes[v.GoType] {
			return "", fmt.Errorf("unsupported primitive type %q", v.GoType)
		}
		return v.GoType, nil
	case snapshot.KindRef:
		if v.GoType == "" {
			return "any", nil
		}
		if !sysTypes[v.GoType] {
			return "", fmt.Errorf("unsupported reference type %q", v.GoType)
		}
		return v.GoType, nil
	case snapshot.KindObject:
		return "map[string]any", nil
	case snapshot.KindArray:
		return "[]any", nil
	case snapshot.KindBuffer:
		return "[]byte", nil
	default:
		return "any", nil
	}
}

func zeroValue(typ string) string {
	switch {
	case typ == "string":
		return `""`
	case typ == "bool":
		return "false"
	case primitiveTypes[typ]:
		return "0"
	default:
		return "nil"
	}
}

func checkIdent(name string) error {
	if name == "_" || !token.IsIdentifier(name) || strings.HasPrefix(name, "_scope") {
		return fmt.Errorf("codegen: %q is not a usable identifier", name)
	}
	return nil
}

func validScopeID(id string) error {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 || strconv.Itoa(n) != id {
		return fmt.Errorf("codegen: invalid scope id %q", id)
	}
	return nil
}

// checkFuncLit rejects sources that are not a single function literal,
// so a captured source cannot splice statements into the program.
func checkFuncLit(src string) error {
	e, err := parser.ParseExpr(src)
	if err != nil {
		return fmt.Errorf("source is not a function literal: %w", err)
	}
	if _, ok := e.(*ast.FuncLit); !ok {
		return fmt.Errorf("source is not a function literal")
	}
	return nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func sanitizeComment(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
