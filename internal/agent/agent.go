// Package agent supervises one child execution context: it launches
// the child, performs the bootstrap handshake, relays control RPC and
// syscalls, wires stdio, samples resource usage and drives the
// lifecycle state machine
//
//	initialized -> running <-> paused -> exited(clean|error|migrate|killed)
//
// An abnormal exit quarantines the agent: every control verb but kill
// is deregistered so it stays inspectable but otherwise frozen.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/hwinfo"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/ndjson"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/snapshot"
	"github.com/iambrandonn/roam/internal/vm"
)

var (
	// ErrQuarantined is returned for every operation but Kill after an
	// abnormal exit.
	ErrQuarantined = errors.New("agent: quarantined after abnormal exit")
	// ErrNotRunning is returned when the agent is not in a state that
	// allows the operation.
	ErrNotRunning = errors.New("agent: not running")
	// ErrNotMigratable is returned by Migrate for pinned agents and daemons.
	ErrNotMigratable = errors.New("agent: not migratable")
)

// Status is the lifecycle state.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusExited      Status = "exited"
)

// ExitReason qualifies StatusExited.
type ExitReason string

const (
	ExitClean   ExitReason = "clean"
	ExitError   ExitReason = "error"
	ExitMigrate ExitReason = "migrate"
	ExitKilled  ExitReason = "killed"
)

// childAddr is the destination used for requests to the child. The
// control channel is point to point, so it is informational only.
const childAddr = "child"

const (
	defaultKillGrace     = 2 * time.Second
	defaultStatsInterval = 5 * time.Second
	handshakeTimeout     = 10 * time.Second
)

// Host is the runtime that owns an agent. Agents hold it as a
// back-reference and never manage its lifetime.
type Host interface {
	RuntimeID() string
	// Syscall answers a child's request for runtime state.
	Syscall(ctx context.Context, a *Agent, verb string, payload json.RawMessage) (any, error)
	// AgentExited is called once the agent has reached StatusExited.
	AgentExited(a *Agent)
}

// Config describes an agent.
type Config struct {
	ID   string
	Spec protocol.AgentSpec
	// Snapshot, when set, is restored by the first Start instead of
	// running the spec's source.
	Snapshot *snapshot.Snapshot

	Host      Host
	Transport pubsub.Transport
	Launcher  Launcher
	Clock     clock.Clock
	Logger    *slog.Logger

	BrokerAddr string
	LogLevel   string
	// StatsInterval is the resource sampling period; negative disables
	// sampling.
	StatsInterval time.Duration
	KillGrace     time.Duration
	RPCTimeout    time.Duration

	// Stdout and Stderr receive the child's output when Spec.Stdio is
	// local. They default to the parent's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Agent is the parent-side supervisor of one child.
type Agent struct {
	cfg     Config
	id      string
	logger  *slog.Logger
	clock   clock.Clock
	control *rpc.Endpoint

	// opMu serializes lifecycle operations; mu guards the fields below.
	opMu sync.Mutex

	mu         sync.Mutex
	args       []string
	status     Status
	reason     ExitReason
	exitErr    error
	sess       *session
	stopping   bool
	controlSub pubsub.Subscription
	stat       protocol.AgentStat
	exited     chan struct{}
}

// session is one launched child.
type session struct {
	child  *Child
	ep     *rpc.Endpoint
	cancel context.CancelFunc
	done   chan struct{}
	prev   *hwinfo.ProcessReading
}

// New creates an agent in StatusInitialized.
func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	cfg.Spec.ID = cfg.ID

	a := &Agent{
		cfg:    cfg,
		id:     cfg.ID,
		logger: cfg.Logger.With("agent", cfg.ID, "name", cfg.Spec.Name),
		clock:  cfg.Clock,
		status: StatusInitialized,
		exited: make(chan struct{}),
	}
	var sender rpc.Sender = rpc.SenderFunc(func(context.Context, string, []byte) error {
		return pubsub.ErrClosed
	})
	if cfg.Transport != nil {
		sender = pubsub.Sender(cfg.Transport)
	}
	a.control = rpc.New(a.id, protocol.InputTopic(a.id), sender, rpc.Options{
		Clock:   cfg.Clock,
		Logger:  a.logger,
		Timeout: cfg.RPCTimeout,
	})
	a.registerControl()
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Spec returns the agent's spec, with ID set.
func (a *Agent) Spec() protocol.AgentSpec { return a.cfg.Spec }

// Status returns the lifecycle state and, once exited, its reason.
func (a *Agent) Status() (Status, ExitReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.reason
}

// Quarantined reports whether the agent exited abnormally.
func (a *Agent) Quarantined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status == StatusExited && a.reason == ExitError
}

// Exited is closed when the agent reaches StatusExited.
func (a *Agent) Exited() <-chan struct{} { return a.exited }

// Err returns the child's exit error for ExitError.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitErr
}

// Info is the public view of the agent used in runtime summaries.
func (a *Agent) Info() protocol.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	runtime := ""
	if a.cfg.Host != nil {
		runtime = a.cfg.Host.RuntimeID()
	}
	return protocol.AgentInfo{
		ID:         a.id,
		Name:       a.cfg.Spec.Name,
		Runtime:    runtime,
		Status:     string(a.status),
		Reason:     string(a.reason),
		Migratable: a.migratable(),
		Daemon:     a.cfg.Spec.Daemon,
		Path:       a.cfg.Spec.Path,
		Stat:       a.stat,
	}
}

func (a *Agent) migratable() bool {
	return a.cfg.Spec.Migratable && !a.cfg.Spec.Daemon && a.cfg.Spec.Language != protocol.LanguageProgram
}

// Start launches the child with args appended to the spec's arguments
// and begins serving the agent's control topic.
func (a *Agent) Start(ctx context.Context, args []string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.status != StatusInitialized {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("agent %s already started (%s)", a.id, status)
	}
	a.args = append([]string(nil), args...)
	a.mu.Unlock()

	if a.cfg.Transport != nil {
		sub, err := pubsub.Serve(a.cfg.Transport, a.control)
		if err != nil {
			a.logger.Warn("failed to serve control topic", "error", err)
		}
		a.mu.Lock()
		a.controlSub = sub
		a.mu.Unlock()
	}

	sess, err := a.launch(ctx, args, a.cfg.Snapshot)
	if err != nil {
		a.finish(ExitError, err)
		return err
	}
	a.logger.Info("agent started", "pid", sess.child.PID, "restored", a.cfg.Snapshot != nil)
	return nil
}

// Pause asks the child to pause its timers.
func (a *Agent) Pause(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	sess, err := a.active(StatusRunning)
	if err != nil {
		return err
	}
	if _, err := sess.ep.Call(ctx, childAddr, protocol.VerbPause, nil); err != nil {
		return err
	}
	a.setStatus(sess, StatusPaused)
	return nil
}

// Resume re-arms the child's timers with their remaining delay.
func (a *Agent) Resume(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	sess, err := a.active(StatusPaused)
	if err != nil {
		return err
	}
	if _, err := sess.ep.Call(ctx, childAddr, protocol.VerbResume, nil); err != nil {
		return err
	}
	a.setStatus(sess, StatusRunning)
	return nil
}

// Snapshot captures the child. The child is left paused; resuming is
// up to the caller.
func (a *Agent) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.snapshot(ctx)
}

func (a *Agent) snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	sess, err := a.active(StatusRunning, StatusPaused)
	if err != nil {
		return nil, err
	}
	var snap snapshot.Snapshot
	if err := sess.ep.CallInto(ctx, childAddr, protocol.VerbSnapshot, nil, &snap); err != nil {
		return nil, err
	}
	a.setStatus(sess, StatusPaused)
	return &snap, nil
}

// Migrate snapshots the child, kills it and publishes the snapshot to
// the target runtime's input topic. It does not wait for the target to
// acknowledge; if the publish or the remote restore fails the agent is
// gone, and nothing is rolled back.
func (a *Agent) Migrate(ctx context.Context, target string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if !a.migratable() {
		return fmt.Errorf("%w: %s", ErrNotMigratable, a.id)
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot for migration: %w", err)
	}
	id, _ := snap.ID()
	a.logger.Info("migrating agent", "target", target, "snapshot", id, "timers", len(snap.Timers))

	a.stop()
	a.finish(ExitMigrate, nil)

	spec := a.cfg.Spec
	spec.Args = a.Args()
	err = a.control.Post(ctx, protocol.InputTopic(target), protocol.VerbRestoreAgent, protocol.RestoreAgentRequest{
		Spec:     spec,
		Snapshot: snap,
	})
	if err != nil {
		a.logger.Error("failed to publish restore, agent is lost", "target", target, "error", err)
		return fmt.Errorf("publish restore to %s: %w", target, err)
	}
	return nil
}

// Args returns the spec's arguments followed by those given to Start.
func (a *Agent) Args() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(append([]string(nil), a.cfg.Spec.Args...), a.args...)
}

// Restart kills the child and starts a fresh one from source with the
// arguments of the first Start.
func (a *Agent) Restart(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if _, err := a.active(StatusRunning, StatusPaused); err != nil {
		return err
	}
	a.stop()

	a.mu.Lock()
	args := a.args
	a.mu.Unlock()
	sess, err := a.launch(ctx, args, nil)
	if err != nil {
		a.finish(ExitError, err)
		return err
	}
	a.logger.Info("agent restarted", "pid", sess.child.PID)
	return nil
}

// Kill terminates the child, waiting up to the grace period for it to
// exit on its own before forcing it. Killing an exited agent that is
// not quarantined is a no-op.
func (a *Agent) Kill(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.status == StatusExited && a.reason != ExitError {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.stop()
	a.finish(ExitKilled, nil)
	return nil
}

// active returns the live session if the agent is in one of states.
func (a *Agent) active(states ...Status) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusExited && a.reason == ExitError {
		return nil, ErrQuarantined
	}
	for _, s := range states {
		if a.status == s && a.sess != nil {
			return a.sess, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, a.id, a.status)
}

func (a *Agent) setStatus(sess *session, status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == sess && a.status != StatusExited {
		a.status = status
	}
}

// stop ends the current session, if any, without changing status.
func (a *Agent) stop() {
	a.mu.Lock()
	sess := a.sess
	a.stopping = true
	a.mu.Unlock()
	if sess == nil {
		return
	}

	// Closing the control channel ends the child cleanly.
	_ = sess.child.Control.Close()
	select {
	case <-sess.done:
		return
	case <-a.clock.After(a.cfg.KillGrace):
	}
	a.logger.Warn("agent did not exit within grace period, killing", "grace", a.cfg.KillGrace)
	_ = sess.child.Kill()
	<-sess.done
}

// finish moves the agent to StatusExited and notifies the host.
func (a *Agent) finish(reason ExitReason, err error) {
	a.mu.Lock()
	if a.status == StatusExited && a.reason != ExitError {
		a.mu.Unlock()
		return
	}
	wasQuarantined := a.status == StatusExited
	a.status = StatusExited
	a.reason = reason
	a.exitErr = err
	a.sess = nil
	a.stopping = false
	sub := a.controlSub
	if reason != ExitError {
		a.controlSub = nil
	}
	a.mu.Unlock()

	if reason == ExitError {
		a.control.Retain(protocol.VerbKill)
		a.logger.Error("agent exited abnormally, quarantined", "error", err)
	} else {
		a.control.Retain()
		if sub != nil {
			sub.Unsubscribe()
		}
		a.logger.Info("agent exited", "reason", reason)
	}

	if !wasQuarantined {
		close(a.exited)
	}
	if a.cfg.Host != nil {
		a.cfg.Host.AgentExited(a)
	}
}

// launch starts a child, sends the bootstrap message and waits for its
// ready acknowledgement.
func (a *Agent) launch(ctx context.Context, args []string, snap *snapshot.Snapshot) (*session, error) {
	if a.cfg.Launcher == nil {
		return nil, errors.New("agent: no launcher configured")
	}
	child, err := a.cfg.Launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch child: %w", err)
	}

	enc := ndjson.NewEncoder(child.Control, a.logger)
	dec := ndjson.NewDecoder(child.Events, a.logger)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{child: child, cancel: cancel, done: make(chan struct{})}
	sess.ep = rpc.New(a.id, vm.ParentInbox, rpc.SenderFunc(func(_ context.Context, _ string, data []byte) error {
		return enc.WriteLine(data)
	}), rpc.Options{Clock: a.clock, Logger: a.logger, Timeout: a.cfg.RPCTimeout})
	a.registerSyscalls(sess.ep)

	runtime := ""
	if a.cfg.Host != nil {
		runtime = a.cfg.Host.RuntimeID()
	}
	boot := protocol.Bootstrap{
		Kind:       protocol.MessageKindBootstrap,
		AgentID:    a.id,
		RuntimeID:  runtime,
		BrokerAddr: a.cfg.BrokerAddr,
		Spec:       a.cfg.Spec,
		Args:       args,
		LogLevel:   a.cfg.LogLevel,
		Snapshot:   snap,
	}

	ready := make(chan protocol.Ready, 1)
	eventsDone := make(chan struct{})
	go a.readEvents(dec, sess, ready, eventsDone)

	if err := enc.Encode(boot); err != nil {
		_ = child.Kill()
		a.abandon(sess, eventsDone)
		return nil, fmt.Errorf("send bootstrap: %w", err)
	}

	select {
	case r := <-ready:
		a.logger.Debug("child ready", "pid", r.PID)
	case <-child.Done():
		a.abandon(sess, eventsDone)
		if err := child.Err(); err != nil {
			return nil, fmt.Errorf("child exited before ready: %w", err)
		}
		return nil, errors.New("child exited before ready")
	case <-a.clock.After(handshakeTimeout):
		_ = child.Kill()
		a.abandon(sess, eventsDone)
		return nil, errors.New("timed out waiting for child ready")
	case <-ctx.Done():
		_ = child.Kill()
		a.abandon(sess, eventsDone)
		return nil, ctx.Err()
	}

	a.wireStdio(sessCtx, sess)
	if a.cfg.StatsInterval > 0 {
		go a.sample(sessCtx, sess)
	}

	a.mu.Lock()
	a.sess = sess
	a.status = StatusRunning
	a.stopping = false
	a.mu.Unlock()
	go a.watch(sess, eventsDone)
	return sess, nil
}

// abandon tears down a session whose handshake failed.
func (a *Agent) abandon(sess *session, eventsDone <-chan struct{}) {
	<-sess.child.Done()
	sess.child.release()
	closeReader(sess.child.Stdout)
	closeReader(sess.child.Stderr)
	<-eventsDone
	sess.ep.Close()
	sess.cancel()
}

// readEvents consumes the child's event channel: one ready message,
// then log and RPC traffic.
func (a *Agent) readEvents(dec *ndjson.Decoder, sess *session, ready chan<- protocol.Ready, done chan<- struct{}) {
	defer close(done)
	readied := false
	for {
		frame, err := dec.DecodeFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				a.logger.Debug("child event channel closed", "error", err)
			}
			return
		}
		switch frame.Kind {
		case protocol.MessageKindReady:
			if readied {
				a.logger.Warn("duplicate ready message from child")
				continue
			}
			var r protocol.Ready
			if err := json.Unmarshal(frame.Data, &r); err != nil {
				a.logger.Warn("invalid ready message", "error", err)
				continue
			}
			readied = true
			ready <- r
		case protocol.MessageKindLog:
			var l protocol.Log
			if err := json.Unmarshal(frame.Data, &l); err != nil {
				a.logger.Warn("invalid log message", "error", err)
				continue
			}
			logging.Relog(a.logger, &l)
		case protocol.MessageKindRequest, protocol.MessageKindResponse:
			if !readied {
				a.logger.Warn("control message before ready, dropped", "kind", frame.Kind)
				continue
			}
			if err := sess.ep.Deliver(frame.Data); err != nil {
				a.logger.Warn("invalid control message from child", "error", err)
			}
		default:
			a.logger.Warn("unexpected message kind from child", "kind", frame.Kind)
		}
	}
}

// watch waits for the child to exit and settles the agent's state if
// nobody asked it to stop.
func (a *Agent) watch(sess *session, eventsDone <-chan struct{}) {
	<-eventsDone
	err := sess.child.Err()
	sess.child.release()
	sess.ep.Close()
	sess.cancel()

	a.mu.Lock()
	current := a.sess == sess
	stopping := a.stopping
	a.mu.Unlock()
	close(sess.done)

	if !current || stopping {
		return
	}
	if err != nil {
		a.finish(ExitError, err)
		return
	}
	a.finish(ExitClean, nil)
}

// wireStdio connects the child's data plane to {id}:stdin/stdout/stderr
// topics, or to the parent's own streams for local stdio.
func (a *Agent) wireStdio(ctx context.Context, sess *session) {
	child := sess.child
	if a.cfg.Spec.Stdio == protocol.StdioLocal || a.cfg.Transport == nil {
		go a.copyLocal(a.cfg.Stdout, child.Stdout)
		go a.copyLocal(a.cfg.Stderr, child.Stderr)
		return
	}

	go a.pump(child.Stdout, protocol.StdoutTopic(a.id))
	go a.pump(child.Stderr, protocol.StderrTopic(a.id))

	sub, err := a.cfg.Transport.Subscribe(protocol.StdinTopic(a.id), func(_ context.Context, msg pubsub.Message) {
		if _, err := child.Stdin.Write(msg.Payload); err != nil {
			a.logger.Debug("stdin write failed", "error", err)
		}
	})
	if err != nil {
		a.logger.Warn("failed to subscribe stdin topic", "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
}

func (a *Agent) copyLocal(dst io.Writer, src io.Reader) {
	defer closeReader(src)
	if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		a.logger.Debug("stdio copy ended", "error", err)
	}
}

func (a *Agent) pump(src io.Reader, topic string) {
	defer closeReader(src)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if perr := a.cfg.Transport.Publish(context.Background(), topic, buf[:n]); perr != nil {
				a.logger.Debug("publish output failed", "topic", topic, "error", perr)
			}
		}
		if err != nil {
			return
		}
	}
}

// sample records the child's CPU and memory use and republishes it on
// the stats topic.
func (a *Agent) sample(ctx context.Context, sess *session) {
	ticker := a.clock.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := hwinfo.ReadProcess(sess.child.PID, a.clock.Now())
		stat := hwinfo.ProcessSample(sess.prev, cur)
		sess.prev = cur

		a.mu.Lock()
		a.stat = stat
		a.mu.Unlock()

		if a.cfg.Transport == nil {
			continue
		}
		runtime := ""
		if a.cfg.Host != nil {
			runtime = a.cfg.Host.RuntimeID()
		}
		data, err := json.Marshal(protocol.StatsMessage{
			Kind:    protocol.MessageKindStats,
			Agent:   a.id,
			Runtime: runtime,
			Stat:    stat,
		})
		if err != nil {
			continue
		}
		if err := a.cfg.Transport.Publish(ctx, protocol.TopicStats, data); err != nil {
			a.logger.Debug("publish stats failed", "error", err)
		}
	}
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}
