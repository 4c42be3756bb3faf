package codegen

import (
	"encoding/json"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/scope"
	"github.com/iambrandonn/roam/internal/snapshot"
	"github.com/iambrandonn/roam/internal/timers"
)

func counterSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	a := scope.NewArena()
	root := a.Root()
	count := 2
	root.Ref("count", func() any { return count })
	tick := root.Callback("func() { count++ }", func() { count++ })

	clk := clock.Fake(time.UnixMilli(1_000_000))
	reg := timers.New(clk, func(fn func()) { fn() })
	reg.SetInterval(timers.Callback{URI: tick.Label().URI(), Fn: tick.Fn.(func())}, 100*time.Millisecond)
	clk.Advance(350 * time.Millisecond)
	reg.Pause()

	captured, err := reg.Capture()
	require.NoError(t, err)
	tree, err := a.Capture(tick)
	require.NoError(t, err)

	return &snapshot.Snapshot{
		Meta:   snapshot.Meta{URI: "agents/counter.go", Filename: "counter.go"},
		Tree:   tree,
		Timers: captured,
		Stdin:  snapshot.Stdin{Listeners: []string{}, SegmentListeners: []string{}, JSONListeners: []string{}},
	}
}

func parseRun(t *testing.T, src string) *ast.FuncDecl {
	t.Helper()
	f, err := parser.ParseFile(token.NewFileSet(), "restore.go", src, 0)
	require.NoError(t, err)
	assert.Equal(t, "main", f.Name.Name)
	require.Len(t, f.Imports, 1)
	assert.Equal(t, `"roam/sys"`, f.Imports[0].Path.Value)
	for _, d := range f.Decls {
		if fn, ok := d.(*ast.FuncDecl); ok && fn.Name.Name == "Run" {
			return fn
		}
	}
	t.Fatal("no Run function")
	return nil
}

func TestGoScriptCounter(t *testing.T) {
	src, err := GoScript(counterSnapshot(t))
	require.NoError(t, err)
	parseRun(t, src)

	assert.Contains(t, src, "// Code generated by roam")
	assert.Contains(t, src, `_scope0 := sys.Enter("0")`)
	assert.Contains(t, src, "var count int")
	assert.Contains(t, src, "count = 5", "bindings hold their value at capture time")
	assert.Contains(t, src, `_scope0.Ref("count", func() any { return count })`)
	assert.Contains(t, src, `_scope0.RestoreCallback(1, "func() { count++ }", func() { count++ })`)
	assert.Contains(t, src, `sys.RestoreTimer("1", sys.Timer{Type: "interval", CallbackURI: "0/1", Timedelta: 100, CalledAt: 1000300, ClearedAt: 0, StoppedAt: 1000350})`)
	assert.Less(t, strings.Index(src, "sys.Link()"), strings.Index(src, "sys.RestoreTimer"), "timers are re-armed after linking")
}

func TestGoScriptChildrenAndReferences(t *testing.T) {
	a := scope.NewArena()
	root := a.Root()
	shared := root.Object(map[string]any{"total": 0})
	root.Ref("shared", func() any { return shared })

	child := root.Child()
	child.Param("step", 3)
	child.Param("rate", 1.5)
	child.Param("state", shared)
	child.Hoist("later")
	list := child.Array("a", shared)
	child.Ref("list", func() any { return list })
	buf := child.Buffer([]byte("hi\n"))
	child.Ref("buf", func() any { return buf })
	cb := child.Callback(`func() { shared.Set("total", step) }`, func() {})
	listener := child.Listener(`func(line string) { list.Append(line) }`, func(string) {})

	tree, err := a.Capture(cb, listener)
	require.NoError(t, err)

	src, err := GoScript(&snapshot.Snapshot{
		Tree:  tree,
		Stdin: snapshot.Stdin{Listeners: []string{listener.Label().URI()}},
	})
	require.NoError(t, err)
	parseRun(t, src)

	assert.Contains(t, src, "var shared *sys.Object")
	assert.Contains(t, src, `shared = sys.Lookup("0", 1).(*sys.Object)`)
	assert.Contains(t, src, "func(rate float64, state *sys.Object, step int) {")
	assert.Contains(t, src, `_scope1 := _scope0.Enter("1")`)
	assert.Contains(t, src, `_scope1.Param("state", state)`)
	assert.Contains(t, src, `state = sys.Lookup("0", 1).(*sys.Object)`)
	assert.Contains(t, src, `}(float64(1.5), nil, 3)`)
	assert.Contains(t, src, "var later any")
	assert.Contains(t, src, `_scope1.Hoist("later")`)
	assert.Contains(t, src, `sys.RefTo("0", 1)`)
	assert.Contains(t, src, `_scope1.RestoreBuffer(2, []byte("hi\n"))`)
	assert.Contains(t, src, `_scope1.RestoreListener(4, "func(line string) { list.Append(line) }", func(line string) { list.Append(line) })`)
	assert.Contains(t, src, `sys.RestoreStdin("line", "1/4")`)
}

func TestGoScriptPrimitiveLiterals(t *testing.T) {
	tree := &snapshot.Scope{
		ID: "0",
		Refs: map[string]*snapshot.Value{
			"name":  {Type: snapshot.KindPrimitive, GoType: "string", Value: json.RawMessage(`"a\"b<"`)},
			"ok":    {Type: snapshot.KindPrimitive, GoType: "bool", Value: json.RawMessage(`true`)},
			"small": {Type: snapshot.KindPrimitive, GoType: "int8", Value: json.RawMessage(`-3`)},
			"cfg": {Type: snapshot.KindObject, GoType: "map[string]any", Fields: map[string]*snapshot.Value{
				"n": {Type: snapshot.KindPrimitive, GoType: "int", Value: json.RawMessage(`1`)},
			}},
			"gone": snapshot.Nil(),
		},
	}
	src, err := GoScript(&snapshot.Snapshot{Tree: tree})
	require.NoError(t, err)

	assert.Contains(t, src, `name = "a\"b<"`)
	assert.Contains(t, src, "ok = true")
	assert.Contains(t, src, "small = int8(-3)")
	assert.Contains(t, src, `cfg = map[string]any{"n": 1}`)
	assert.Contains(t, src, "var gone any")
	assert.NotContains(t, src, "gone = ")
}

func TestGoScriptRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		snap *snapshot.Snapshot
		want string
	}{
		{name: "no tree", snap: &snapshot.Snapshot{}, want: "no scope tree"},
		{name: "root id", snap: &snapshot.Snapshot{Tree: &snapshot.Scope{ID: "4"}}, want: "root scope id"},
		{
			name: "identifier",
			snap: &snapshot.Snapshot{Tree: &snapshot.Scope{ID: "0", Refs: map[string]*snapshot.Value{"a b": snapshot.Nil()}}},
			want: "not a usable identifier",
		},
		{
			name: "primitive type",
			snap: &snapshot.Snapshot{Tree: &snapshot.Scope{ID: "0", Refs: map[string]*snapshot.Value{
				"x": {Type: snapshot.KindPrimitive, GoType: "os.File", Value: json.RawMessage(`1`)},
			}}},
			want: "unsupported primitive type",
		},
		{
			name: "function source",
			snap: &snapshot.Snapshot{Tree: &snapshot.Scope{ID: "0", Objects: map[string]*snapshot.Value{
				"1": {Type: snapshot.KindFunction, GoType: "func()", Source: "func() {}\nfunc init() {}"},
			}}},
			want: "not a function literal",
		},
		{
			name: "timer uri",
			snap: &snapshot.Snapshot{
				Tree:   &snapshot.Scope{ID: "0"},
				Timers: map[string]snapshot.Timer{"1": {Type: snapshot.TimerTimeout, CallbackURI: "nope"}},
			},
			want: "invalid callback uri",
		},
		{
			name: "unowned function",
			snap: &snapshot.Snapshot{Tree: &snapshot.Scope{ID: "0", Refs: map[string]*snapshot.Value{
				"f": {Type: snapshot.KindFunction, Source: "func() {}"},
			}}},
			want: "must be owned",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GoScript(tt.snap)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGoScriptIsDeterministic(t *testing.T) {
	snap := counterSnapshot(t)
	first, err := GoScript(snap)
	require.NoError(t, err)
	second, err := GoScript(snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGoScriptImportsPackagesRestoredClosuresUse(t *testing.T) {
	pkgs, err := SourcePackages("package main\n\nimport (\n\t\"roam/sys\"\n\t\"strings\"\n\tstrconv2 \"strconv\"\n\t\"math/rand/v2\"\n\t\"fmt\"\n)\n")
	require.NoError(t, err)
	assert.Equal(t, []snapshot.Package{
		{Path: "strings"},
		{Name: "strconv2", Path: "strconv"},
		{Path: "math/rand/v2"},
		{Path: "fmt"},
	}, pkgs)

	a := scope.NewArena()
	root := a.Root()
	name := "roam"
	root.Ref("name", func() any { return name })
	shout := root.Callback(`func() { sys.Println(strings.ToUpper(name), strconv2.Itoa(rand.IntN(1))) }`, func() {})
	tree, err := a.Capture(shout)
	require.NoError(t, err)

	src, err := GoScript(&snapshot.Snapshot{
		Meta:   snapshot.Meta{Packages: pkgs},
		Tree:   tree,
		Timers: map[string]snapshot.Timer{},
	})
	require.NoError(t, err)

	f, err := parser.ParseFile(token.NewFileSet(), "restore.go", src, parser.ImportsOnly)
	require.NoError(t, err)
	var imports []string
	for _, spec := range f.Imports {
		imp := spec.Path.Value
		if spec.Name != nil {
			imp = spec.Name.Name + " " + imp
		}
		imports = append(imports, imp)
	}
	assert.Equal(t, []string{`"roam/sys"`, `"math/rand/v2"`, `strconv2 "strconv"`, `"strings"`}, imports, "fmt is unused and left out")
}

func TestGoScriptRejectsImportShadowingSys(t *testing.T) {
	a := scope.NewArena()
	fn := a.Root().Callback(`func() { sys.Println() }`, func() {})
	tree, err := a.Capture(fn)
	require.NoError(t, err)

	_, err = GoScript(&snapshot.Snapshot{
		Meta: snapshot.Meta{Packages: []snapshot.Package{{Name: "sys", Path: "os"}}},
		Tree: tree,
	})
	require.ErrorContains(t, err, "shadows the host package")
}
