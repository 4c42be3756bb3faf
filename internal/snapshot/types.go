package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags a serialized value.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindFunction  Kind = "function"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindBuffer    Kind = "buffer"
	KindImport    Kind = "import"
	KindRef       Kind = "ref"
	KindNil       Kind = "nil"
)

// Value is one serialized value. Which fields are set depends on Type:
//
//	primitive  GoType, Value (JSON literal)
//	function   GoType (signature), Source
//	object     Fields
//	array      Items
//	buffer     Data (base64 in JSON)
//	import     Spec
//	ref        Scope, Local, GoType
//
// Labeled objects, arrays, buffers, functions and imports set GoType to
// their sys type so code generation can declare them.
type Value struct {
	Type   Kind              `json:"type"`
	GoType string            `json:"goType,omitempty"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Source string            `json:"source,omitempty"`
	Fields map[string]*Value `json:"fields,omitempty"`
	Items  []*Value          `json:"items,omitempty"`
	Data   []byte            `json:"data,omitempty"`
	Spec   string            `json:"spec,omitempty"`
	Scope  string            `json:"scope,omitempty"`
	Local  int               `json:"local,omitempty"`
}

// Nil is the marker used for nil values and cut cycles.
func Nil() *Value { return &Value{Type: KindNil} }

// RefTo builds a reference to the value labeled (scope, local).
func RefTo(scope string, local int, goType string) *Value {
	return &Value{Type: KindRef, Scope: scope, Local: local, GoType: goType}
}

// HasRefs reports whether v or anything nested in it is a ref.
func (v *Value) HasRefs() bool {
	if v == nil {
		return false
	}
	switch v.Type {
	case KindRef:
		return true
	case KindObject:
		for _, f := range v.Fields {
			if f.HasRefs() {
				return true
			}
		}
	case KindArray:
		for _, item := range v.Items {
			if item.HasRefs() {
				return true
			}
		}
	}
	return false
}

// Scope is one captured lexical environment.
type Scope struct {
	ID       string            `json:"id"`
	Params   map[string]*Value `json:"params,omitempty"`
	Refs     map[string]*Value `json:"refs,omitempty"`
	Objects  map[string]*Value `json:"objects,omitempty"`
	Hoisted  []string          `json:"hoisted,omitempty"`
	Children map[string]*Scope `json:"children,omitempty"`
}

// Walk visits s and every descendant, parents before children and
// siblings in id order.
func (s *Scope) Walk(fn func(parent, s *Scope) error) error {
	return s.walk(nil, fn)
}

func (s *Scope) walk(parent *Scope, fn func(parent, s *Scope) error) error {
	if err := fn(parent, s); err != nil {
		return err
	}
	for _, id := range SortedIDs(s.Children) {
		if err := s.Children[id].walk(s, fn); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the scope with the given id, or nil.
func (s *Scope) Find(id string) *Scope {
	var found *Scope
	_ = s.Walk(func(_, sc *Scope) error {
		if sc.ID == id {
			found = sc
		}
		return nil
	})
	return found
}

// SortedIDs orders scope ids numerically when they are numbers and
// lexically otherwise.
func SortedIDs[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

// Timer kinds.
const (
	TimerInterval  = "interval"
	TimerTimeout   = "timeout"
	TimerImmediate = "immediate"
)

// Timer is a captured timer. Times are unix milliseconds; Timedelta is
// the period in milliseconds. CalledAt is the last firing (or the
// scheduling time before the first firing).
type Timer struct {
	Type        string `json:"type"`
	CallbackURI string `json:"callbackUri"`
	Timedelta   int64  `json:"timedelta"`
	CalledAt    int64  `json:"calledAt"`
	ClearedAt   int64  `json:"clearedAt,omitempty"`
	StoppedAt   int64  `json:"stoppedAt,omitempty"`
}

// Remaining returns period minus the time elapsed between the last
// firing and the stop, clamped to [0, period].
func (t Timer) Remaining() time.Duration {
	if t.StoppedAt == 0 {
		return time.Duration(t.Timedelta) * time.Millisecond
	}
	rem := t.Timedelta - (t.StoppedAt - t.CalledAt)
	if rem < 0 {
		rem = 0
	}
	if rem > t.Timedelta {
		rem = t.Timedelta
	}
	return time.Duration(rem) * time.Millisecond
}

// URI addresses a labeled value as "scope/local".
func URI(scope string, local int) string {
	return scope + "/" + strconv.Itoa(local)
}

// ParseURI splits a "scope/local" URI.
func ParseURI(uri string) (scope string, local int, err error) {
	i := strings.LastIndexByte(uri, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid callback uri %q", uri)
	}
	local, err = strconv.Atoi(uri[i+1:])
	if err != nil || local <= 0 {
		return "", 0, fmt.Errorf("invalid callback uri %q", uri)
	}
	return uri[:i], local, nil
}

// Stdin lists the callback URIs of captured standard-input listeners.
type Stdin struct {
	Listeners        []string `json:"listeners"`
	SegmentListeners []string `json:"segmentListeners"`
	JSONListeners    []string `json:"jsonListeners"`
}

// Package is one Go import of the agent source. Name is the explicit
// local name, empty when the import has none.
type Package struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// Meta identifies where a snapshot came from.
type Meta struct {
	URI      string   `json:"uri"`
	Filename string   `json:"filename"`
	Cwd      string   `json:"cwd"`
	Agent    string   `json:"agent,omitempty"`
	Runtime  string   `json:"runtime,omitempty"`
	Imports  []string `json:"imports,omitempty"`
	// Packages are the Go imports of the agent source other than the
	// host package. Restored code imports those its closures use.
	Packages []Package `json:"packages,omitempty"`
	// CapturedAt is unix milliseconds.
	CapturedAt int64 `json:"capturedAt,omitempty"`
}

// Snapshot is the portable state of an agent. It is immutable once
// produced and is consumed by exactly one restore.
type Snapshot struct {
	Meta   Meta             `json:"meta"`
	Tree   *Scope           `json:"tree"`
	Timers map[string]Timer `json:"timers"`
	Stdin  Stdin            `json:"stdin"`
}
