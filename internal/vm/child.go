package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/ndjson"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
)

// ParentInbox is the address the child uses for requests to its parent.
// The control channel is point to point, so it is only informational.
const ParentInbox = "parent"

// ErrNotCapturable is returned by snapshot on a native program.
var ErrNotCapturable = errors.New("vm: native programs cannot be captured")

// ChildIO is the child side of the bootstrap contract. Control and
// Events carry NDJSON control traffic; the stdio fields are the data
// plane and never carry envelopes.
type ChildIO struct {
	Control io.Reader
	Events  io.Writer
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Transport is used by programs; when nil the child dials the
	// broker named in the bootstrap message.
	Transport  pubsub.Transport
	Clock      clock.Clock
	Programs   *Programs
	RPCTimeout time.Duration
}

// ServeChild runs the child half of an agent: it reads the bootstrap
// message, loads the agent, acknowledges exactly once with a ready
// message and then serves control requests until the agent ends or
// ctx is cancelled.
func ServeChild(ctx context.Context, cio ChildIO) error {
	if cio.Clock == nil {
		cio.Clock = clock.Real()
	}
	enc := ndjson.NewEncoder(cio.Events, logging.Discard())
	dec := ndjson.NewDecoder(cio.Control, logging.Discard())

	var boot protocol.Bootstrap
	if err := dec.Decode(&boot); err != nil {
		return fmt.Errorf("read bootstrap: %w", err)
	}
	if boot.Kind != protocol.MessageKindBootstrap {
		return fmt.Errorf("expected bootstrap message, got %q", boot.Kind)
	}

	level, _, err := logging.ParseLevel(boot.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(logging.NewShipHandler(func(l protocol.Log) error {
		return enc.Encode(l)
	}, level))

	ep := rpc.New(boot.AgentID, ParentInbox, rpc.SenderFunc(func(_ context.Context, _ string, data []byte) error {
		return enc.WriteLine(data)
	}), rpc.Options{Clock: cio.Clock, Logger: logger, Timeout: cio.RPCTimeout})
	defer ep.Close()
	syscall := func(ctx context.Context, verb string, payload any) (json.RawMessage, error) {
		return ep.Call(ctx, ParentInbox, verb, payload)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var run func(context.Context) error
	switch boot.Spec.Language {
	case protocol.LanguageProgram:
		run, err = loadProgram(cio, &boot, logger, syscall, ep)
	default:
		run, err = loadProcess(cio, &boot, logger, syscall, ep)
	}
	if err != nil {
		logger.Error("agent failed to load", "error", err)
		return err
	}

	if err := enc.Encode(protocol.Ready{Kind: protocol.MessageKindReady, AgentID: boot.AgentID, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	go func() {
		defer cancel()
		for {
			line, err := dec.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("control channel read failed", "error", err)
				}
				return
			}
			if err := ep.Deliver(line); err != nil {
				logger.Warn("invalid control message", "error", err)
			}
		}
	}()

	err = run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadProcess(cio ChildIO, boot *protocol.Bootstrap, logger *slog.Logger, syscall SyscallFunc, ep *rpc.Endpoint) (func(context.Context) error, error) {
	filename := boot.Spec.Path
	if filename == "" {
		filename = boot.Spec.Name + ".go"
	}
	p := New(Options{
		AgentID:      boot.AgentID,
		RuntimeID:    boot.RuntimeID,
		Args:         bootArgs(boot),
		Filename:     filename,
		Clock:        cio.Clock,
		Logger:       logger,
		Stdin:        cio.Stdin,
		Stdout:       cio.Stdout,
		Stderr:       cio.Stderr,
		Syscall:      syscall,
		ExitWhenIdle: true,
	})

	if boot.Snapshot != nil {
		if err := p.CompileSnapshot(boot.Snapshot); err != nil {
			return nil, err
		}
		id, _ := boot.Snapshot.ID()
		logger.Info("restoring agent from snapshot", "snapshot", id, "timers", len(boot.Snapshot.Timers))
	} else {
		if err := p.Compile(boot.Spec.Source); err != nil {
			return nil, err
		}
	}

	ep.Handle(protocol.VerbPause, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, p.Pause(ctx)
	})
	ep.Handle(protocol.VerbResume, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, p.Resume(ctx)
	})
	ep.Handle(protocol.VerbSnapshot, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return p.Snapshot(ctx)
	})
	return p.Run, nil
}

func loadProgram(cio ChildIO, boot *protocol.Bootstrap, logger *slog.Logger, syscall SyscallFunc, ep *rpc.Endpoint) (func(context.Context) error, error) {
	prog, ok := cio.Programs.Lookup(boot.Spec.Program)
	if !ok {
		return nil, fmt.Errorf("unknown program %q", boot.Spec.Program)
	}
	env := &Env{
		AgentID:   boot.AgentID,
		RuntimeID: boot.RuntimeID,
		Args:      bootArgs(boot),
		Logger:    logger,
		Clock:     cio.Clock,
		Transport: cio.Transport,
		Stdout:    orDiscard(cio.Stdout),
		Stderr:    orDiscard(cio.Stderr),
		Syscall:   syscall,
	}

	notCapturable := func(context.Context, *protocol.Request) (any, error) {
		return nil, ErrNotCapturable
	}
	ep.Handle(protocol.VerbSnapshot, notCapturable)
	ep.Handle(protocol.VerbPause, notCapturable)
	ep.Handle(protocol.VerbResume, notCapturable)

	return func(ctx context.Context) error {
		if env.Transport == nil && boot.BrokerAddr != "" {
			client, err := pubsub.Dial(ctx, boot.BrokerAddr, logger)
			if err != nil {
				return fmt.Errorf("dial broker: %w", err)
			}
			defer client.Close()
			env.Transport = client
		}
		return prog(ctx, env)
	}, nil
}

// bootArgs is the spec's arguments followed by the start arguments.
func bootArgs(boot *protocol.Bootstrap) []string {
	return append(append([]string(nil), boot.Spec.Args...), boot.Args...)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
