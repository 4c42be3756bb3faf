// Package testharness runs roam clusters for end-to-end tests: an
// in-process cluster sharing one in-memory bus, and a smoke run of the
// real binary against a TCP broker.
package testharness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/daemons"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/node"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/vm"
)

// Options configures a Cluster.
type Options struct {
	Logger *slog.Logger
	// ChildClock drives agent timers. Runtime loops always use the real
	// clock, so a fake ChildClock only pauses agent code.
	ChildClock clock.Clock

	// Daemons names the system daemon set every runtime keeps alive.
	Daemons           []string
	FSRoot            string
	ReconcileInterval time.Duration
	BalanceInterval   time.Duration

	Heartbeat  time.Duration
	Settle     time.Duration
	RPCTimeout time.Duration
	KillGrace  time.Duration

	// Programs are registered next to the daemon programs.
	Programs map[string]vm.Program
	// Sample overrides the utilization a runtime reports.
	Sample func(runtime string) protocol.ResourceStat
}

// Cluster is a set of runtimes on one in-memory bus whose agents run as
// goroutines.
type Cluster struct {
	opts     Options
	logger   *slog.Logger
	bus      *pubsub.Bus
	programs *vm.Programs
	launcher *agent.InProcessLauncher
	daemons  []string

	mu       sync.Mutex
	runtimes map[string]*member
	closed   bool
}

type member struct {
	rt     *node.Runtime
	cancel context.CancelFunc
	done   chan error
}

// NewCluster creates an empty cluster.
func NewCluster(opts Options) (*Cluster, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ChildClock == nil {
		opts.ChildClock = clock.Real()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 200 * time.Millisecond
	}
	if opts.Settle <= 0 {
		opts.Settle = 100 * time.Millisecond
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = time.Second
	}
	// Validate the daemon set up front rather than on every join.
	if _, err := daemons.Specs(opts.Daemons, daemons.Options{}); err != nil {
		return nil, err
	}

	programs := vm.NewPrograms()
	daemons.Register(programs)
	for name, p := range opts.Programs {
		programs.Register(name, p)
	}
	bus := pubsub.NewBus(opts.Logger)
	return &Cluster{
		opts:     opts,
		logger:   opts.Logger,
		bus:      bus,
		programs: programs,
		daemons:  opts.Daemons,
		launcher: &agent.InProcessLauncher{
			Programs:   programs,
			Transport:  bus,
			Clock:      opts.ChildClock,
			RPCTimeout: opts.RPCTimeout,
		},
		runtimes: make(map[string]*member),
	}, nil
}

// Bus returns the cluster's transport.
func (c *Cluster) Bus() *pubsub.Bus { return c.bus }

// AddRuntime starts a runtime with the given id and returns once it has
// broadcast its join. It heartbeats and checks daemons until removed.
func (c *Cluster) AddRuntime(ctx context.Context, id string) (*node.Runtime, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("testharness: cluster closed")
	}
	if _, dup := c.runtimes[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("testharness: runtime %s already exists", id)
	}
	c.mu.Unlock()

	specs, err := daemons.Specs(c.daemons, daemons.Options{
		FSRoot:            c.opts.FSRoot,
		ReconcileInterval: c.opts.ReconcileInterval,
		BalanceInterval:   c.opts.BalanceInterval,
		RPCTimeout:        c.opts.RPCTimeout,
	})
	if err != nil {
		return nil, err
	}
	sample := func() protocol.ResourceStat { return protocol.ResourceStat{MemLimitMB: 8192} }
	if c.opts.Sample != nil {
		sample = func() protocol.ResourceStat { return c.opts.Sample(id) }
	}
	rt := node.New(node.Config{
		ID:            id,
		Transport:     c.bus,
		Launcher:      c.launcher,
		Logger:        c.logger,
		Device:        &protocol.Device{Hostname: id, Cores: 4, CPUModel: "harness", AvgClockMHz: 2000, MemoryTotalMB: 8192},
		Sample:        sample,
		Heartbeat:     c.opts.Heartbeat,
		Settle:        c.opts.Settle,
		Daemons:       specs,
		StatsInterval: -1,
		KillGrace:     c.opts.KillGrace,
		RPCTimeout:    c.opts.RPCTimeout,
		Stdout:        io.Discard,
		Stderr:        io.Discard,
	})
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &member{rt: rt, cancel: cancel, done: make(chan error, 1)}
	go func() { m.done <- rt.Serve(runCtx) }()

	c.mu.Lock()
	c.runtimes[id] = m
	c.mu.Unlock()
	return rt, nil
}

// Runtime returns a live runtime by id.
func (c *Cluster) Runtime(id string) (*node.Runtime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.runtimes[id]
	if !ok {
		return nil, false
	}
	return m.rt, true
}

// IDs lists the live runtimes in order.
func (c *Cluster) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runtimes))
	for id := range c.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveRuntime makes a runtime leave the cluster gracefully and waits
// for it to finish.
func (c *Cluster) RemoveRuntime(ctx context.Context, id string) error {
	c.mu.Lock()
	m, ok := c.runtimes[id]
	delete(c.runtimes, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("testharness: unknown runtime %s", id)
	}
	m.cancel()
	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Converged reports whether every live runtime knows every other one.
func (c *Cluster) Converged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, m := range c.runtimes {
		table := m.rt.Table()
		if table.Len() != len(c.runtimes)-1 {
			return false
		}
		for peer := range c.runtimes {
			if peer == id {
				continue
			}
			if _, ok := table.Get(peer); !ok {
				return false
			}
		}
	}
	return true
}

// Find locates a hosted agent by id on any live runtime.
func (c *Cluster) Find(agentID string) (*node.Runtime, *agent.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.runtimes {
		if a, ok := m.rt.Agent(agentID); ok {
			return m.rt, a, true
		}
	}
	return nil, nil, false
}

// Client is a control endpoint standing in for the shell.
type Client struct {
	*rpc.Endpoint
	sub pubsub.Subscription
}

// Close stops serving the client's inbox.
func (cl *Client) Close() error {
	cl.sub.Unsubscribe()
	return cl.Endpoint.Close()
}

// Client returns an rpc endpoint named name serving on {name}:input.
func (c *Cluster) Client(name string) (*Client, error) {
	ep := rpc.New(name, protocol.InputTopic(name), pubsub.Sender(c.bus), rpc.Options{
		Logger:  c.logger,
		Timeout: c.opts.RPCTimeout,
	})
	sub, err := pubsub.Serve(c.bus, ep)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	return &Client{Endpoint: ep, sub: sub}, nil
}

// Recorder collects payloads published on a topic.
type Recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	sub      pubsub.Subscription
}

// Record starts recording topic.
func (c *Cluster) Record(topic string) (*Recorder, error) {
	r := &Recorder{}
	sub, err := c.bus.Subscribe(topic, func(_ context.Context, msg pubsub.Message) {
		r.mu.Lock()
		r.payloads = append(r.payloads, append([]byte(nil), msg.Payload...))
		r.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Payloads returns a copy of what was recorded so far.
func (r *Recorder) Payloads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.payloads...)
}

// String concatenates every recorded payload.
func (r *Recorder) String() string {
	var b strings.Builder
	for _, p := range r.Payloads() {
		b.Write(p)
	}
	return b.String()
}

// Stop ends the recording.
func (r *Recorder) Stop() { r.sub.Unsubscribe() }

// Close removes every runtime and closes the bus.
func (c *Cluster) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, id := range c.IDs() {
		if err := c.RemoveRuntime(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	if err := c.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
