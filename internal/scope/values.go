package scope

import (
	"fmt"
	"sort"

	"github.com/iambrandonn/roam/internal/snapshot"
)

// Label is the identity of a value created through a Scope: the id of
// the owning scope and a local id unique within it. Values hold labels,
// not scope pointers; the Arena maps ids back to scopes.
type Label struct {
	Scope string
	Local int
}

// URI renders the label as "scope/local".
func (l Label) URI() string { return snapshot.URI(l.Scope, l.Local) }

// IsZero reports whether the label is unset.
func (l Label) IsZero() bool { return l.Scope == "" && l.Local == 0 }

func (l Label) String() string { return l.URI() }

// Labeled is implemented by every value a Scope can own.
type Labeled interface {
	Label() Label
	sysType() string
}

// Object is a labeled string-keyed record.
type Object struct {
	label  Label
	Fields map[string]any
}

func (o *Object) Label() Label       { return o.label }
func (o *Object) sysType() string    { return "*sys.Object" }
func (o *Object) Get(key string) any { return o.Fields[key] }

func (o *Object) Set(key string, v any) {
	if o.Fields == nil {
		o.Fields = make(map[string]any)
	}
	o.Fields[key] = v
}

func (o *Object) Delete(key string) { delete(o.Fields, key) }

// Keys returns the field names in sorted order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Array is a labeled ordered list.
type Array struct {
	label Label
	Items []any
}

func (a *Array) Label() Label     { return a.label }
func (a *Array) sysType() string  { return "*sys.Array" }
func (a *Array) Len() int         { return len(a.Items) }
func (a *Array) Get(i int) any    { return a.Items[i] }
func (a *Array) Set(i int, v any) { a.Items[i] = v }
func (a *Array) Append(vs ...any) { a.Items = append(a.Items, vs...) }

// Buffer is a labeled byte slice.
type Buffer struct {
	label Label
	Data  []byte
}

func (b *Buffer) Label() Label    { return b.label }
func (b *Buffer) sysType() string { return "*sys.Buffer" }
func (b *Buffer) Bytes() []byte   { return b.Data }
func (b *Buffer) String() string  { return string(b.Data) }
func (b *Buffer) Write(p []byte) (int, error) {
	b.Data = append(b.Data, p...)
	return len(p), nil
}

// Function is a labeled closure. Source is the function literal text
// that recreates Fn when placed back into its scope.
type Function struct {
	label  Label
	Source string
	Fn     any
}

func (f *Function) Label() Label    { return f.label }
func (f *Function) sysType() string { return "*sys.Function" }

// Signature names the Go type of Fn, used to pick a restore helper.
func (f *Function) Signature() string {
	switch f.Fn.(type) {
	case func():
		return "func()"
	case func(string):
		return "func(string)"
	case nil:
		return "func()"
	default:
		return fmt.Sprintf("%T", f.Fn)
	}
}

// Call invokes a func() callback.
func (f *Function) Call() error {
	fn, ok := f.Fn.(func())
	if !ok {
		return fmt.Errorf("function %s is %s, not func()", f.label, f.Signature())
	}
	fn()
	return nil
}

// CallString invokes a func(string) listener.
func (f *Function) CallString(s string) error {
	fn, ok := f.Fn.(func(string))
	if !ok {
		return fmt.Errorf("function %s is %s, not func(string)", f.label, f.Signature())
	}
	fn(s)
	return nil
}

// Import is a labeled handle on a host module. Only Spec is captured;
// the module is resolved again on restore.
type Import struct {
	label  Label
	Spec   string
	Module any
}

func (i *Import) Label() Label    { return i.label }
func (i *Import) sysType() string { return "*sys.Import" }

// Placeholder stands in for a labeled value that does not exist yet
// during restore. Arena.Link replaces placeholders with their targets.
type Placeholder struct {
	Target Label
}
