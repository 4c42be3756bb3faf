// Package vm is the execution context of one agent inside its child
// process: an event loop that runs interpreted agent code, the scope
// arena and timer registry that code builds as it runs, and the stdio
// data plane.
package vm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/codegen"
	"github.com/iambrandonn/roam/internal/scope"
	"github.com/iambrandonn/roam/internal/snapshot"
	"github.com/iambrandonn/roam/internal/timers"
)

// ErrNotLoaded is returned by Run before a program was compiled.
var ErrNotLoaded = errors.New("vm: no program loaded")

// ExitError is returned by Run when agent code exits with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// SyscallFunc forwards a request to the supervising agent.
type SyscallFunc func(ctx context.Context, verb string, payload any) (json.RawMessage, error)

// Options configures a Process.
type Options struct {
	AgentID   string
	RuntimeID string
	// Args are returned by sys.Args.
	Args []string
	// Filename is recorded in snapshot metadata.
	Filename string
	Clock    clock.Clock
	Logger   *slog.Logger
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	Syscall  SyscallFunc
	// Modules are made available to sys.Require in addition to "fs".
	Modules map[string]any
	// ExitWhenIdle ends Run once nothing can produce more work: no
	// timers, no open stdin listeners and an empty queue.
	ExitWhenIdle bool
}

// Process runs agent code on a single goroutine. Everything agent code
// touches (the arena, the listeners) is owned by that goroutine;
// other goroutines reach it through Post or the control methods.
type Process struct {
	opts   Options
	logger *slog.Logger
	arena  *scope.Arena
	timers *timers.Registry
	interp *interp.Interpreter
	main   func()
	// packages are the agent source imports, carried into snapshots.
	packages []snapshot.Package

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	// Loop-owned.
	listeners   map[string][]*scope.Function
	paused      bool
	stdinEOF    bool
	exit        *int
	restoreErrs []error

	stdinOnce sync.Once
	done      chan struct{}
}

// New creates a process. Nothing runs until Run.
func New(opts Options) *Process {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	p := &Process{
		opts:      opts,
		logger:    opts.Logger,
		arena:     scope.NewArena(),
		wake:      make(chan struct{}, 1),
		listeners: make(map[string][]*scope.Function),
		done:      make(chan struct{}),
	}
	p.timers = timers.New(opts.Clock, p.Post)
	p.arena.SetResolver(p.resolve)
	return p
}

// Arena exposes the scope arena. It must only be used from the loop.
func (p *Process) Arena() *scope.Arena { return p.arena }

// Timers exposes the timer registry.
func (p *Process) Timers() *timers.Registry { return p.timers }

// Done is closed when Run returns.
func (p *Process) Done() <-chan struct{} { return p.done }

// Compile evaluates Go source that declares func Run in package main.
// Package-level initializers run immediately; Run is queued by Run.
func (p *Process) Compile(src string) error {
	i := interp.New(interp.Options{Stdout: p.opts.Stdout, Stderr: p.opts.Stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(p.exports()); err != nil {
		return fmt.Errorf("load sys: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return fmt.Errorf("evaluate agent source: %w", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return fmt.Errorf("agent source has no Run function: %w", err)
	}
	run, ok := v.Interface().(func())
	if !ok {
		return fmt.Errorf("agent Run has type %s, want func()", v.Type())
	}
	pkgs, err := codegen.SourcePackages(src)
	if err != nil {
		return err
	}
	p.interp = i
	p.main = run
	p.packages = pkgs
	return nil
}

// CompileSnapshot regenerates source from snap and compiles it.
func (p *Process) CompileSnapshot(snap *snapshot.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	src, err := codegen.GoScript(snap)
	if err != nil {
		return err
	}
	if err := p.Compile(src); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	p.packages = snap.Meta.Packages
	return nil
}

// Post queues fn on the loop. It never blocks.
func (p *Process) Post(fn func()) {
	p.mu.Lock()
	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes the compiled program and then serves the loop until
// ctx is cancelled, agent code exits or the process goes idle.
func (p *Process) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.timers.Close()
	if p.main == nil {
		return ErrNotLoaded
	}
	main := p.main
	p.Post(func() {
		main()
		if len(p.restoreErrs) > 0 {
			panic(errors.Join(p.restoreErrs...))
		}
	})

	for {
		task, err := p.next(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if err := p.exec(task); err != nil {
			p.logger.Error("agent code failed", "error", err)
			return err
		}
		if p.exit != nil {
			if *p.exit == 0 {
				return nil
			}
			return &ExitError{Code: *p.exit}
		}
	}
}

func (p *Process) next(ctx context.Context) (func(), error) {
	for {
		// Timers post under their own lock, so counting them before
		// looking at the queue cannot miss a one-shot in flight.
		live := p.timers.Len()

		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return task, nil
		}
		p.mu.Unlock()

		if p.opts.ExitWhenIdle && live == 0 && !p.paused && (len(p.listeners) == 0 || p.stdinEOF) {
			return nil, nil
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Process) exec(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	task()
	return nil
}

// do runs fn on the loop and waits for it.
func (p *Process) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	p.Post(func() { res <- fn() })
	select {
	case err := <-res:
		return err
	case <-p.done:
		return errors.New("vm: process exited")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops every timer, keeping its remaining delay.
func (p *Process) Pause(ctx context.Context) error {
	return p.do(ctx, func() error {
		p.timers.Pause()
		p.paused = true
		return nil
	})
}

// Resume re-arms timers with their remaining delay.
func (p *Process) Resume(ctx context.Context) error {
	return p.do(ctx, func() error {
		p.timers.Resume()
		p.paused = false
		return nil
	})
}

// Snapshot pauses the process and captures its state. The process stays
// paused afterwards.
func (p *Process) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	var snap *snapshot.Snapshot
	err := p.do(ctx, func() error {
		var err error
		snap, err = p.capture()
		return err
	})
	return snap, err
}

func (p *Process) capture() (*snapshot.Snapshot, error) {
	p.timers.Pause()
	p.paused = true

	captured, err := p.timers.Capture()
	if err != nil {
		return nil, err
	}
	var roots []any
	for _, id := range snapshot.SortedIDs(captured) {
		fn, err := p.arena.LookupFunction(captured[id].CallbackURI)
		if err != nil {
			return nil, fmt.Errorf("timer %s: %w", id, err)
		}
		roots = append(roots, fn)
	}
	stdin := snapshot.Stdin{Listeners: []string{}, SegmentListeners: []string{}, JSONListeners: []string{}}
	for _, fn := range p.listeners[codegen.StdinLine] {
		stdin.Listeners = append(stdin.Listeners, fn.Label().URI())
		roots = append(roots, fn)
	}
	for _, fn := range p.listeners[codegen.StdinSegment] {
		stdin.SegmentListeners = append(stdin.SegmentListeners, fn.Label().URI())
		roots = append(roots, fn)
	}
	for _, fn := range p.listeners[codegen.StdinJSON] {
		stdin.JSONListeners = append(stdin.JSONListeners, fn.Label().URI())
		roots = append(roots, fn)
	}

	tree, err := p.arena.Capture(roots...)
	if err != nil {
		return nil, err
	}
	cwd, _ := os.Getwd()
	snap := &snapshot.Snapshot{
		Meta: snapshot.Meta{
			URI:        p.opts.Filename,
			Filename:   filepath.Base(p.opts.Filename),
			Cwd:        cwd,
			Agent:      p.opts.AgentID,
			Runtime:    p.opts.RuntimeID,
			Imports:    p.arena.Imports(),
			Packages:   p.packages,
			CapturedAt: p.opts.Clock.Now().UnixMilli(),
		},
		Tree:   tree,
		Timers: captured,
		Stdin:  stdin,
	}
	return snap, snap.Validate()
}

func (p *Process) callback(fn *scope.Function) timers.Callback {
	return timers.Callback{URI: fn.Label().URI(), Fn: func() {
		if err := fn.Call(); err != nil {
			panic(err)
		}
	}}
}

func (p *Process) listen(kind string, fn *scope.Function) {
	if fn.Signature() != "func(string)" {
		panic(fmt.Sprintf("sys: stdin listener %s has type %s, want func(string)", fn.Label(), fn.Signature()))
	}
	p.listeners[kind] = append(p.listeners[kind], fn)
	p.stdinOnce.Do(func() {
		if p.opts.Stdin == nil {
			p.stdinEOF = true
			return
		}
		go p.readStdin(p.opts.Stdin)
	})
}

func (p *Process) readStdin(r io.Reader) {
	br := bufio.NewReader(r)
	buf := make([]byte, 32*1024)
	var partial []byte
	for {
		n, err := br.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.Post(func() { p.deliver(codegen.StdinSegment, string(chunk)) })

			partial = append(partial, chunk...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := string(bytes.TrimSuffix(partial[:i], []byte("\r")))
				partial = partial[i+1:]
				p.postLine(line)
			}
		}
		if err != nil {
			if len(partial) > 0 {
				p.postLine(string(partial))
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("stdin read failed", "error", err)
			}
			p.Post(func() { p.stdinEOF = true })
			return
		}
	}
}

func (p *Process) postLine(line string) {
	p.Post(func() {
		p.deliver(codegen.StdinLine, line)
		var v json.RawMessage
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return
		}
		p.deliver(codegen.StdinJSON, compact.String())
	})
}

func (p *Process) deliver(kind, data string) {
	for _, fn := range p.listeners[kind] {
		if err := fn.CallString(data); err != nil {
			panic(err)
		}
	}
}

func (p *Process) restoreTimer(id string, t snapshot.Timer) {
	fn, err := p.arena.LookupFunction(t.CallbackURI)
	if err != nil {
		p.restoreErrs = append(p.restoreErrs, fmt.Errorf("timer %s: %w", id, err))
		return
	}
	if err := p.timers.RestoreTimer(id, t, p.callback(fn)); err != nil {
		p.restoreErrs = append(p.restoreErrs, err)
	}
}

func (p *Process) restoreStdin(kind, uri string) {
	fn, err := p.arena.LookupFunction(uri)
	if err != nil {
		p.restoreErrs = append(p.restoreErrs, fmt.Errorf("stdin %s listener: %w", kind, err))
		return
	}
	switch kind {
	case codegen.StdinLine, codegen.StdinSegment, codegen.StdinJSON:
		p.listen(kind, fn)
	default:
		p.restoreErrs = append(p.restoreErrs, fmt.Errorf("unknown stdin listener kind %q", kind))
	}
}

func (p *Process) resolve(spec string) (any, error) {
	if m, ok := p.opts.Modules[spec]; ok {
		return m, nil
	}
	switch spec {
	case "fs":
		return &FS{call: p.syscall}, nil
	}
	return nil, fmt.Errorf("vm: unknown module %q", spec)
}

func (p *Process) syscall(verb string, payload any) (json.RawMessage, error) {
	if p.opts.Syscall == nil {
		return nil, fmt.Errorf("vm: syscalls are not available")
	}
	return p.opts.Syscall(context.Background(), verb, payload)
}
