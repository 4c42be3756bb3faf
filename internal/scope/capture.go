package scope

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/iambrandonn/roam/internal/snapshot"
)

// Capture serializes the part of the scope tree reachable from roots.
//
// The root scope is always kept. A scope is kept when a root or a kept
// value references something it owns, and a kept scope keeps its
// ancestors. Each labeled value is written once, as a literal in its
// owner's object table; every other occurrence is a ref. Unlabeled
// maps, slices and structs are deep-copied with cycles cut to nil.
func (a *Arena) Capture(roots ...any) (*snapshot.Scope, error) {
	c := &capturer{
		arena:   a,
		marked:  make(map[string]bool),
		reached: make(map[Label]bool),
		refVals: make(map[string]map[string]any),
		seen:    make(map[uintptr]bool),
	}
	if err := c.markScope(a.root); err != nil {
		return nil, err
	}
	for _, r := range roots {
		if err := c.mark(r); err != nil {
			return nil, err
		}
	}
	return c.emitScope(a.root), nil
}

type capturer struct {
	arena   *Arena
	marked  map[string]bool
	reached map[Label]bool
	refVals map[string]map[string]any
	seen    map[uintptr]bool
}

func (c *capturer) markScope(s *Scope) error {
	if s == nil || c.marked[s.id] {
		return nil
	}
	c.marked[s.id] = true
	if s.parent != "" {
		if err := c.markScope(c.arena.scopes[s.parent]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(s.params) {
		if err := c.mark(s.params[name]); err != nil {
			return err
		}
	}
	vals := make(map[string]any, len(s.refs))
	c.refVals[s.id] = vals
	for _, name := range sortedKeys(s.refs) {
		v, err := readRef(s.id, name, s.refs[name])
		if err != nil {
			return err
		}
		vals[name] = v
		if err := c.mark(v); err != nil {
			return err
		}
	}
	return nil
}

func readRef(scopeID, name string, get func() any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scope %s: reading %q: %v", scopeID, name, r)
		}
	}()
	return get(), nil
}

func (c *capturer) mark(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case Labeled:
		l := x.Label()
		if c.reached[l] {
			return nil
		}
		c.reached[l] = true
		if err := c.markScope(c.arena.scopes[l.Scope]); err != nil {
			return err
		}
		switch o := x.(type) {
		case *Object:
			for _, k := range o.Keys() {
				if err := c.mark(o.Fields[k]); err != nil {
					return err
				}
			}
		case *Array:
			for _, item := range o.Items {
				if err := c.mark(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return c.markReflect(reflect.ValueOf(v))
}

// markReflect finds labeled values nested inside unlabeled containers.
func (c *capturer) markReflect(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return c.markElem(rv.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() != reflect.Slice || rv.Len() > 0 {
			p := rv.Pointer()
			if c.seen[p] {
				return nil
			}
			c.seen[p] = true
		}
	}
	switch rv.Kind() {
	case reflect.Pointer:
		return c.markElem(rv.Elem())
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := c.markElem(iter.Value()); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := c.markElem(rv.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if rv.Type().Field(i).IsExported() {
				if err := c.markElem(rv.Field(i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *capturer) markElem(rv reflect.Value) error {
	if rv.CanInterface() {
		if l, ok := rv.Interface().(Labeled); ok {
			return c.mark(l)
		}
	}
	return c.markReflect(rv)
}

func (c *capturer) emitScope(s *Scope) *snapshot.Scope {
	out := &snapshot.Scope{ID: s.id}

	if len(s.params) > 0 {
		out.Params = make(map[string]*snapshot.Value, len(s.params))
		for name, v := range s.params {
			out.Params[name] = c.value(v, nil)
		}
	}
	if vals := c.refVals[s.id]; len(vals) > 0 {
		out.Refs = make(map[string]*snapshot.Value, len(vals))
		for name, v := range vals {
			out.Refs[name] = c.value(v, nil)
		}
	}
	for local, v := range s.objects {
		if !c.reached[v.Label()] {
			continue
		}
		if out.Objects == nil {
			out.Objects = make(map[string]*snapshot.Value)
		}
		out.Objects[strconv.Itoa(local)] = c.literal(v)
	}
	if len(s.hoisted) > 0 {
		out.Hoisted = sortedKeys(s.hoisted)
	}
	for _, id := range s.children {
		if !c.marked[id] {
			continue
		}
		if out.Children == nil {
			out.Children = make(map[string]*snapshot.Scope)
		}
		out.Children[id] = c.emitScope(c.arena.scopes[id])
	}
	return out
}

// literal writes the owned form of a labeled value.
func (c *capturer) literal(v Labeled) *snapshot.Value {
	switch x := v.(type) {
	case *Object:
		out := &snapshot.Value{Type: snapshot.KindObject, GoType: x.sysType(), Fields: make(map[string]*snapshot.Value, len(x.Fields))}
		for k, f := range x.Fields {
			out.Fields[k] = c.value(f, nil)
		}
		return out
	case *Array:
		out := &snapshot.Value{Type: snapshot.KindArray, GoType: x.sysType(), Items: make([]*snapshot.Value, len(x.Items))}
		for i, item := range x.Items {
			out.Items[i] = c.value(item, nil)
		}
		return out
	case *Buffer:
		return &snapshot.Value{Type: snapshot.KindBuffer, GoType: x.sysType(), Data: append([]byte{}, x.Data...)}
	case *Function:
		return &snapshot.Value{Type: snapshot.KindFunction, GoType: x.Signature(), Source: x.Source}
	case *Import:
		return &snapshot.Value{Type: snapshot.KindImport, GoType: x.sysType(), Spec: x.Spec}
	}
	return snapshot.Nil()
}

// value writes a value as seen from a binding, parameter, field or item.
// stack holds the pointers of unlabeled containers being copied.
func (c *capturer) value(v any, stack []uintptr) *snapshot.Value {
	switch x := v.(type) {
	case nil:
		return snapshot.Nil()
	case Labeled:
		l := x.Label()
		return snapshot.RefTo(l.Scope, l.Local, x.sysType())
	case *Placeholder:
		return snapshot.Nil()
	case []byte:
		return &snapshot.Value{Type: snapshot.KindBuffer, GoType: "[]byte", Data: append([]byte{}, x...)}
	}
	return c.reflectValue(reflect.ValueOf(v), stack)
}

func (c *capturer) reflectValue(rv reflect.Value, stack []uintptr) *snapshot.Value {
	if !rv.IsValid() {
		return snapshot.Nil()
	}
	if rv.CanInterface() {
		switch rv.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			if rv.IsNil() {
				return snapshot.Nil()
			}
		}
		if l, ok := rv.Interface().(Labeled); ok {
			return c.value(l, stack)
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return primitive("bool", rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return primitive(rv.Kind().String(), rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return primitive(rv.Kind().String(), rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return snapshot.Nil()
		}
		return primitive(rv.Kind().String(), f)
	case reflect.String:
		return primitive("string", rv.String())
	case reflect.Interface:
		return c.reflectValue(rv.Elem(), stack)
	}

	var ptr uintptr
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map:
		ptr = rv.Pointer()
	case reflect.Slice:
		if rv.Len() > 0 {
			ptr = rv.Pointer()
		}
	}
	if ptr != 0 {
		for _, p := range stack {
			if p == ptr {
				return snapshot.Nil()
			}
		}
		stack = append(stack, ptr)
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return c.reflectValue(rv.Elem(), stack)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return snapshot.Nil()
		}
		out := &snapshot.Value{Type: snapshot.KindObject, GoType: "map[string]any", Fields: make(map[string]*snapshot.Value, rv.Len())}
		iter := rv.MapRange()
		for iter.Next() {
			out.Fields[iter.Key().String()] = c.elem(iter.Value(), stack)
		}
		return out
	case reflect.Struct:
		out := &snapshot.Value{Type: snapshot.KindObject, GoType: "map[string]any", Fields: make(map[string]*snapshot.Value)}
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if t.Field(i).IsExported() {
				out.Fields[t.Field(i).Name] = c.elem(rv.Field(i), stack)
			}
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			data := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(data), rv)
			return &snapshot.Value{Type: snapshot.KindBuffer, GoType: "[]byte", Data: data}
		}
		out := &snapshot.Value{Type: snapshot.KindArray, GoType: "[]any", Items: make([]*snapshot.Value, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			out.Items[i] = c.elem(rv.Index(i), stack)
		}
		return out
	}
	// Functions, channels and complex numbers have no portable form.
	return snapshot.Nil()
}

func (c *capturer) elem(rv reflect.Value, stack []uintptr) *snapshot.Value {
	if rv.CanInterface() {
		return c.value(rv.Interface(), stack)
	}
	return c.reflectValue(rv, stack)
}

func primitive(goType string, v any) *snapshot.Value {
	data, err := json.Marshal(v)
	if err != nil {
		return snapshot.Nil()
	}
	return &snapshot.Value{Type: snapshot.KindPrimitive, GoType: goType, Value: data}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
