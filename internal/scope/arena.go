// Package scope tracks the lexical state of an agent as a tree of
// scopes so it can be captured into a snapshot and rebuilt elsewhere.
//
// Instrumented code creates a Scope per function invocation or object
// creation site and registers what the scope holds: call parameters,
// bindings (read through getters so capture sees their current value),
// names to hoist, and labeled values. A scope that never registers
// anything is never materialized and costs nothing.
//
// An Arena is not safe for concurrent use; the owning process runs all
// agent code and captures on a single event loop.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/iambrandonn/roam/internal/snapshot"
)

// RootID is the id of every arena's root scope.
const RootID = "0"

var (
	// ErrUnlabeled is returned when a lookup names a value that does not exist.
	ErrUnlabeled = errors.New("scope: no labeled value")
	// ErrUnknownScope is returned when a lookup names a scope that does not exist.
	ErrUnknownScope = errors.New("scope: unknown scope")
)

// Resolver maps an import specifier to a module value.
type Resolver func(spec string) (any, error)

// Arena owns every materialized scope of one process.
type Arena struct {
	scopes   map[string]*Scope
	root     *Scope
	next     int
	resolver Resolver

	deferred    []func()
	restoreErrs []error
}

// NewArena creates an arena holding only the root scope.
func NewArena() *Arena {
	a := &Arena{scopes: make(map[string]*Scope), next: 1}
	a.root = &Scope{arena: a, id: RootID}
	a.root.init()
	a.scopes[RootID] = a.root
	return a
}

// SetResolver installs the import resolver used by Import and
// RestoreImport.
func (a *Arena) SetResolver(r Resolver) { a.resolver = r }

// Root returns the root scope.
func (a *Arena) Root() *Scope { return a.root }

// Scope returns a materialized scope by id.
func (a *Arena) Scope(id string) (*Scope, bool) {
	s, ok := a.scopes[id]
	return s, ok
}

// Len reports the number of materialized scopes.
func (a *Arena) Len() int { return len(a.scopes) }

// Enter returns the scope with id, which must be the root or a scope
// already entered through its parent.
func (a *Arena) Enter(id string) (*Scope, error) {
	if s, ok := a.scopes[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownScope, id)
}

// Lookup returns the value labeled (scopeID, local).
func (a *Arena) Lookup(scopeID string, local int) (Labeled, error) {
	s, ok := a.scopes[scopeID]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownScope, scopeID)
	}
	v, ok := s.objects[local]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnlabeled, snapshot.URI(scopeID, local))
	}
	return v, nil
}

// LookupURI is Lookup for a "scope/local" URI.
func (a *Arena) LookupURI(uri string) (Labeled, error) {
	scopeID, local, err := snapshot.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return a.Lookup(scopeID, local)
}

// LookupFunction resolves a URI to a labeled function.
func (a *Arena) LookupFunction(uri string) (*Function, error) {
	v, err := a.LookupURI(uri)
	if err != nil {
		return nil, err
	}
	fn, ok := v.(*Function)
	if !ok {
		return nil, fmt.Errorf("scope: %s is %s, not a function", uri, v.sysType())
	}
	return fn, nil
}

// Imports lists the specifiers of every import held by the arena.
func (a *Arena) Imports() []string {
	seen := map[string]bool{}
	for _, s := range a.scopes {
		for _, v := range s.objects {
			if imp, ok := v.(*Import); ok {
				seen[imp.Spec] = true
			}
		}
	}
	specs := make([]string, 0, len(seen))
	for spec := range seen {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs
}

// RefTo returns a placeholder for a value that may not be restored yet.
func (a *Arena) RefTo(scopeID string, local int) *Placeholder {
	return &Placeholder{Target: Label{Scope: scopeID, Local: local}}
}

// Defer queues fn to run at the end of Link, after every scope and
// object has been restored.
func (a *Arena) Defer(fn func()) {
	a.deferred = append(a.deferred, fn)
}

// Link finishes a restore: placeholders inside restored objects and
// arrays are replaced by their targets, then deferred functions run in
// the order they were queued.
func (a *Arena) Link() error {
	errs := append([]error(nil), a.restoreErrs...)
	a.restoreErrs = nil

	for _, id := range snapshot.SortedIDs(a.scopes) {
		for _, v := range a.scopes[id].objects {
			switch x := v.(type) {
			case *Object:
				for k, f := range x.Fields {
					patched, err := a.patch(f)
					if err != nil {
						errs = append(errs, fmt.Errorf("link %s.%s: %w", x.label, k, err))
					}
					x.Fields[k] = patched
				}
			case *Array:
				for i, item := range x.Items {
					patched, err := a.patch(item)
					if err != nil {
						errs = append(errs, fmt.Errorf("link %s[%d]: %w", x.label, i, err))
					}
					x.Items[i] = patched
				}
			}
		}
	}

	deferred := a.deferred
	a.deferred = nil
	for _, fn := range deferred {
		fn()
	}
	return errors.Join(errs...)
}

func (a *Arena) patch(v any) (any, error) {
	switch x := v.(type) {
	case *Placeholder:
		target, err := a.Lookup(x.Target.Scope, x.Target.Local)
		if err != nil {
			return nil, err
		}
		return target, nil
	case map[string]any:
		var errs []error
		for k, f := range x {
			p, err := a.patch(f)
			if err != nil {
				errs = append(errs, err)
			}
			x[k] = p
		}
		return x, errors.Join(errs...)
	case []any:
		var errs []error
		for i, item := range x {
			p, err := a.patch(item)
			if err != nil {
				errs = append(errs, err)
			}
			x[i] = p
		}
		return x, errors.Join(errs...)
	default:
		return v, nil
	}
}

func (a *Arena) register(s *Scope) {
	a.scopes[s.id] = s
	if n, err := strconv.Atoi(s.id); err == nil && n >= a.next {
		a.next = n + 1
	}
}

// Scope is one lexical environment. Children created with Child stay
// elided until they register something.
type Scope struct {
	arena  *Arena
	lex    *Scope
	id     string
	parent string

	params    map[string]any
	refs      map[string]func() any
	hoisted   map[string]bool
	objects   map[int]Labeled
	nextLocal int
	children  []string
}

func (s *Scope) init() {
	s.params = make(map[string]any)
	s.refs = make(map[string]func() any)
	s.hoisted = make(map[string]bool)
	s.objects = make(map[int]Labeled)
	s.nextLocal = 1
}

// ID returns the scope id, or "" while the scope is elided.
func (s *Scope) ID() string { return s.id }

// Parent returns the id of the nearest materialized ancestor.
func (s *Scope) Parent() string { return s.parent }

// Materialized reports whether the scope has been assigned an id.
func (s *Scope) Materialized() bool { return s.id != "" }

// Child returns a new, not yet materialized, child scope.
func (s *Scope) Child() *Scope {
	return &Scope{arena: s.arena, lex: s}
}

func (s *Scope) materialize() {
	if s.id != "" {
		return
	}
	p := s.lex
	for p.id == "" {
		p = p.lex
	}
	s.init()
	s.id = strconv.Itoa(s.arena.next)
	s.parent = p.id
	s.arena.register(s)
	p.children = append(p.children, s.id)
}

// Enter materializes a child with a fixed id. It is used by generated
// restore code; fresh ids continue after the highest entered one.
func (s *Scope) Enter(id string) *Scope {
	if existing, ok := s.arena.scopes[id]; ok {
		return existing
	}
	child := &Scope{arena: s.arena, lex: s, id: id, parent: s.id}
	child.init()
	s.arena.register(child)
	s.children = append(s.children, id)
	return child
}

// Param records a call-time argument.
func (s *Scope) Param(name string, v any) {
	s.materialize()
	s.params[name] = v
}

// Ref records a binding; get is called at capture time.
func (s *Scope) Ref(name string, get func() any) {
	s.materialize()
	s.refs[name] = get
}

// Hoist marks names that must be declared before anything else in the
// scope when it is regenerated.
func (s *Scope) Hoist(names ...string) {
	s.materialize()
	for _, n := range names {
		s.hoisted[n] = true
	}
}

func (s *Scope) label() Label {
	s.materialize()
	l := Label{Scope: s.id, Local: s.nextLocal}
	s.nextLocal++
	return l
}

func (s *Scope) fixed(local int) Label {
	s.materialize()
	if local >= s.nextLocal {
		s.nextLocal = local + 1
	}
	return Label{Scope: s.id, Local: local}
}

func (s *Scope) own(v Labeled) {
	s.objects[v.Label().Local] = v
}

// Object creates a labeled object owned by this scope.
func (s *Scope) Object(fields map[string]any) *Object {
	if fields == nil {
		fields = make(map[string]any)
	}
	o := &Object{label: s.label(), Fields: fields}
	s.own(o)
	return o
}

// Array creates a labeled array owned by this scope.
func (s *Scope) Array(items ...any) *Array {
	a := &Array{label: s.label(), Items: items}
	s.own(a)
	return a
}

// Buffer creates a labeled buffer owned by this scope.
func (s *Scope) Buffer(data []byte) *Buffer {
	b := &Buffer{label: s.label(), Data: data}
	s.own(b)
	return b
}

// Callback creates a labeled func() whose source is src.
func (s *Scope) Callback(src string, fn func()) *Function {
	return s.Func(src, fn)
}

// Listener creates a labeled func(string) whose source is src.
func (s *Scope) Listener(src string, fn func(string)) *Function {
	return s.Func(src, fn)
}

// Func creates a labeled function of any signature.
func (s *Scope) Func(src string, fn any) *Function {
	f := &Function{label: s.label(), Source: src, Fn: fn}
	s.own(f)
	return f
}

// Import resolves spec and labels the result in this scope.
func (s *Scope) Import(spec string) (*Import, error) {
	module, err := s.arena.resolve(spec)
	if err != nil {
		return nil, err
	}
	imp := &Import{label: s.label(), Spec: spec, Module: module}
	s.own(imp)
	return imp, nil
}

func (a *Arena) resolve(spec string) (any, error) {
	if a.resolver == nil {
		return nil, fmt.Errorf("scope: no resolver for import %q", spec)
	}
	return a.resolver(spec)
}

// RestoreObject recreates an object under its original local id.
func (s *Scope) RestoreObject(local int, fields map[string]any) *Object {
	if fields == nil {
		fields = make(map[string]any)
	}
	o := &Object{label: s.fixed(local), Fields: fields}
	s.own(o)
	return o
}

// RestoreArray recreates an array under its original local id.
func (s *Scope) RestoreArray(local int, items []any) *Array {
	a := &Array{label: s.fixed(local), Items: items}
	s.own(a)
	return a
}

// RestoreBuffer recreates a buffer under its original local id.
func (s *Scope) RestoreBuffer(local int, data []byte) *Buffer {
	b := &Buffer{label: s.fixed(local), Data: data}
	s.own(b)
	return b
}

// RestoreCallback recreates a func() under its original local id.
func (s *Scope) RestoreCallback(local int, src string, fn func()) *Function {
	return s.RestoreFunc(local, src, fn)
}

// RestoreListener recreates a func(string) under its original local id.
func (s *Scope) RestoreListener(local int, src string, fn func(string)) *Function {
	return s.RestoreFunc(local, src, fn)
}

// RestoreFunc recreates a function under its original local id.
func (s *Scope) RestoreFunc(local int, src string, fn any) *Function {
	f := &Function{label: s.fixed(local), Source: src, Fn: fn}
	s.own(f)
	return f
}

// RestoreImport re-resolves an import under its original local id.
// Resolution errors are reported by Link.
func (s *Scope) RestoreImport(local int, spec string) *Import {
	imp := &Import{label: s.fixed(local), Spec: spec}
	module, err := s.arena.resolve(spec)
	if err != nil {
		s.arena.restoreErrs = append(s.arena.restoreErrs, fmt.Errorf("restore import %s: %w", imp.label, err))
	}
	imp.Module = module
	s.own(imp)
	return imp
}
