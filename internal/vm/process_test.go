package vm

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/snapshot"
)

const counterSource = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	count := 0
	root.Ref("count", func() any { return count })
	tick := root.Callback("func() { count++; sys.Println(\"tick\", count) }", func() { count++; sys.Println("tick", count) })
	sys.SetInterval(tick, 100)
}
`

const accumulatorSource = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	state := root.Object(map[string]any{"hits": 0})
	root.Ref("state", func() any { return state })

	worker := root.Child()
	step := 2
	worker.Param("step", step)
	bump := worker.Callback("func() { state.Set(\"hits\", state.Get(\"hits\").(int)+step); sys.Println(\"hits\", state.Get(\"hits\")) }", func() {
		state.Set("hits", state.Get("hits").(int)+step)
		sys.Println("hits", state.Get("hits"))
	})
	sys.SetInterval(bump, 50)
}
`

// syncBuffer is a bytes.Buffer safe for the loop and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	proc   *Process
	clock  *clock.FakeClock
	out    *syncBuffer
	cancel context.CancelFunc
	errc   chan error
}

func startProcess(t *testing.T, load func(*Process) error, opts Options) *harness {
	t.Helper()
	h := &harness{clock: clock.Fake(time.UnixMilli(1_700_000_000_000)), out: &syncBuffer{}, errc: make(chan error, 1)}
	opts.Clock = h.clock
	opts.Stdout = h.out
	opts.Logger = logging.Discard()
	h.proc = New(opts)
	require.NoError(t, load(h.proc))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.proc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.proc.Done()
	})
	return h
}

func compile(src string) func(*Process) error {
	return func(p *Process) error { return p.Compile(src) }
}

func (h *harness) waitOutput(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(h.out.String(), want) }, 5*time.Second, 5*time.Millisecond, "output so far: %q", h.out.String())
}

func TestProcessRunsIntervals(t *testing.T) {
	h := startProcess(t, compile(counterSource), Options{})
	h.clock.WaitForTimers(1)

	h.clock.Advance(350 * time.Millisecond)
	h.waitOutput(t, "tick 3\n")
	assert.NotContains(t, h.out.String(), "tick 4")
}

func TestSnapshotCapturesRemainingDelayAndRestores(t *testing.T) {
	src := startProcess(t, compile(counterSource), Options{AgentID: "a1", RuntimeID: "r1", Filename: "agents/counter.go"})
	src.clock.WaitForTimers(1)
	src.clock.Advance(350 * time.Millisecond)
	src.waitOutput(t, "tick 3\n")

	snap, err := src.proc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "counter.go", snap.Meta.Filename)
	assert.Equal(t, "a1", snap.Meta.Agent)
	require.Len(t, snap.Timers, 1)
	assert.Equal(t, 50*time.Millisecond, snap.Timers["1"].Remaining())
	assert.JSONEq(t, "3", string(snap.Tree.Refs["count"].Value))

	// Paused after capture: the source no longer ticks.
	src.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, src.out.String(), "tick 4")

	wire, err := snapshot.Encode(snap)
	require.NoError(t, err)
	decoded, err := snapshot.Decode(wire)
	require.NoError(t, err)

	dst := startProcess(t, func(p *Process) error { return p.CompileSnapshot(decoded) }, Options{})
	dst.clock.WaitForTimers(1)
	dst.clock.Advance(49 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, dst.out.String(), "restored timer waits for its remaining delay")

	dst.clock.Advance(time.Millisecond)
	dst.waitOutput(t, "tick 4\n")
	dst.clock.Advance(100 * time.Millisecond)
	dst.waitOutput(t, "tick 5\n")
}

func TestRoundTripKeepsObjectsAndParams(t *testing.T) {
	src := startProcess(t, compile(accumulatorSource), Options{})
	src.clock.WaitForTimers(1)
	src.clock.Advance(120 * time.Millisecond)
	src.waitOutput(t, "hits 4\n")

	snap, err := src.proc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, snap.Timers["1"].Remaining())

	dst := startProcess(t, func(p *Process) error { return p.CompileSnapshot(snap) }, Options{})
	dst.clock.WaitForTimers(1)
	dst.clock.Advance(30 * time.Millisecond)
	dst.waitOutput(t, "hits 6\n")

	again, err := dst.proc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, "6", string(again.Tree.Objects["1"].Fields["hits"].Value))
	assert.JSONEq(t, "2", string(again.Tree.Children["1"].Params["step"].Value))
}

func TestRoundTripKeepsStdlibImports(t *testing.T) {
	const greeter = `package main

import (
	"fmt"
	"strings"

	"roam/sys"
)

func Run() {
	fmt.Sprint("unused by any callback")
	root := sys.Root()
	name := "roam"
	root.Ref("name", func() any { return name })
	shout := root.Callback("func() { sys.Println(strings.ToUpper(name)) }", func() { sys.Println(strings.ToUpper(name)) })
	sys.SetInterval(shout, 100)
}
`
	src := startProcess(t, compile(greeter), Options{})
	src.clock.WaitForTimers(1)
	src.clock.Advance(100 * time.Millisecond)
	src.waitOutput(t, "ROAM\n")

	snap, err := src.proc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []snapshot.Package{{Path: "fmt"}, {Path: "strings"}}, snap.Meta.Packages)

	dst := startProcess(t, func(p *Process) error { return p.CompileSnapshot(snap) }, Options{})
	dst.clock.WaitForTimers(1)
	dst.clock.Advance(100 * time.Millisecond)
	dst.waitOutput(t, "ROAM\n")

	again, err := dst.proc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Meta.Packages, again.Meta.Packages, "imports survive a second migration")
}

func TestPauseAndResume(t *testing.T) {
	h := startProcess(t, compile(counterSource), Options{})
	h.clock.WaitForTimers(1)
	h.clock.Advance(150 * time.Millisecond)
	h.waitOutput(t, "tick 1\n")

	require.NoError(t, h.proc.Pause(context.Background()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.proc.Resume(context.Background()))
	h.clock.Advance(50 * time.Millisecond)
	h.waitOutput(t, "tick 2\n")
	assert.NotContains(t, h.out.String(), "tick 3")
}

func TestStdinListeners(t *testing.T) {
	const src = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	line := root.Listener("func(s string) { sys.Println(\"line\", s) }", func(s string) { sys.Println("line", s) })
	sys.OnLine(line)
	js := root.Listener("func(s string) { sys.Println(\"json\", s) }", func(s string) { sys.Println("json", s) })
	sys.OnJSON(js)
}
`
	h := startProcess(t, compile(src), Options{
		Stdin:        strings.NewReader("a\n{\"x\": 1}\nb"),
		ExitWhenIdle: true,
	})
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stdin closed")
	}
	assert.Equal(t, "line a\nline {\"x\": 1}\njson {\"x\":1}\nline b\n", h.out.String())
}

func TestExitWhenIdleAfterLastTimeout(t *testing.T) {
	const src = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	done := root.Callback("func() { sys.Println(\"done\") }", func() { sys.Println("done") })
	sys.SetTimeout(done, 10)
}
`
	h := startProcess(t, compile(src), Options{ExitWhenIdle: true})
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Millisecond)
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, "done\n", h.out.String())
}

func TestExitCode(t *testing.T) {
	const src = `package main

import "roam/sys"

func Run() { sys.Exit(3) }
`
	h := startProcess(t, compile(src), Options{})
	err := <-h.errc
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.Code)
}

func TestPanicInCallbackEndsProcess(t *testing.T) {
	const src = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	boom := root.Callback("func() { panic(\"boom\") }", func() { panic("boom") })
	sys.SetImmediate(boom)
}
`
	h := startProcess(t, compile(src), Options{})
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Millisecond)
	err := <-h.errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "syntax", src: "package main\nfunc Run( {", want: "evaluate agent source"},
		{name: "no run", src: "package main\nfunc Main() {}\n", want: "no Run function"},
		{name: "wrong signature", src: "package main\nfunc Run() int { return 1 }\n", want: "want func()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Options{Logger: logging.Discard()})
			err := p.Compile(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunWithoutProgram(t *testing.T) {
	p := New(Options{Logger: logging.Discard()})
	require.ErrorIs(t, p.Run(context.Background()), ErrNotLoaded)
}

func TestPrograms(t *testing.T) {
	r := NewPrograms()
	r.Register("b", func(context.Context, *Env) error { return nil })
	r.Register("a", func(context.Context, *Env) error { return nil })
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Panics(t, func() { r.Register("a", nil) })
}
