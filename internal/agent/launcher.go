package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/vm"
)

// File descriptors of the control channel in an exec'd child. The child
// reads requests on ControlFD and writes ready, log and RPC traffic on
// EventsFD; stdio stays data only.
const (
	ControlFD = 3
	EventsFD  = 4
)

var errKilled = errors.New("agent: child killed")

// Child is one running child execution context as seen by its parent.
type Child struct {
	PID     int
	Control io.WriteCloser
	Events  io.Reader
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader

	kill    func() error
	closers []io.Closer

	once sync.Once
	done chan struct{}
	err  error
}

func newChild(pid int, kill func() error) *Child {
	return &Child{PID: pid, kill: kill, done: make(chan struct{})}
}

// Kill terminates the child without waiting for it to wind down.
func (c *Child) Kill() error { return c.kill() }

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err is the exit error; valid once Done is closed.
func (c *Child) Err() error {
	<-c.done
	return c.err
}

func (c *Child) exit(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// release closes the parent's ends of the control channel and stdin.
// Stdout and Stderr are closed by whoever drains them.
func (c *Child) release() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
}

// Launcher starts child execution contexts. The parent writes the
// bootstrap message itself, so launchers only provide the channels.
type Launcher interface {
	Launch(ctx context.Context) (*Child, error)
}

// ExecLauncher re-executes a binary (by default the running one) with
// the hidden child subcommand. Each agent gets its own OS process.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if args == nil {
		args = []string{"child"}
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, r, w)
		return r, w, nil
	}

	ctrlR, ctrlW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create control pipe: %w", err)
	}
	evR, evW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create events pipe: %w", err)
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// ExtraFiles[i] becomes fd 3+i in the child.
	cmd.ExtraFiles = []*os.File{ctrlR, evW}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	for _, f := range []*os.File{ctrlR, evW, stdinR, stdoutW, stderrW} {
		f.Close()
	}

	c := newChild(cmd.Process.Pid, func() error { return cmd.Process.Kill() })
	c.Control, c.Events = ctrlW, evR
	c.Stdin, c.Stdout, c.Stderr = stdinW, stdoutR, stderrR
	c.closers = []io.Closer{ctrlW, evR, stdinW}

	if l.Logger != nil {
		l.Logger.Debug("child process started", "path", path, "pid", c.PID)
	}
	go func() { c.exit(cmd.Wait()) }()
	return c, nil
}

// InProcessLauncher runs each child as a goroutine over in-memory
// pipes. Agents share the parent's address space, so a runaway agent
// cannot be preempted; it exists for tests and single-binary clusters.
type InProcessLauncher struct {
	Programs   *vm.Programs
	Transport  pubsub.Transport
	Clock      clock.Clock
	RPCTimeout time.Duration
}

func (l *InProcessLauncher) Launch(ctx context.Context) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctrlR, ctrlW := io.Pipe()
	evR, evW := io.Pipe()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	runCtx, cancel := context.WithCancel(context.Background())
	c := newChild(os.Getpid(), func() error {
		cancel()
		ctrlR.CloseWithError(errKilled)
		stdinR.CloseWithError(errKilled)
		return nil
	})
	c.Control, c.Events = ctrlW, evR
	c.Stdin, c.Stdout, c.Stderr = stdinW, stdoutR, stderrR
	c.closers = []io.Closer{ctrlW, evR, stdinW}

	go func() {
		err := vm.ServeChild(runCtx, vm.ChildIO{
			Control:    ctrlR,
			Events:     evW,
			Stdin:      stdinR,
			Stdout:     stdoutW,
			Stderr:     stderrW,
			Transport:  l.Transport,
			Clock:      l.Clock,
			Programs:   l.Programs,
			RPCTimeout: l.RPCTimeout,
		})
		cancel()
		evW.Close()
		stdoutW.Close()
		stderrW.Close()
		stdinR.Close()
		ctrlR.Close()
		c.exit(err)
	}()
	return c, nil
}
