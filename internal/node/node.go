// Package node implements the runtime: the per-host coordinator that
// launches agents and daemons, relays pipes and takes part in gossip
// membership.
//
// Membership is eventually consistent. A runtime broadcasts join on
// start, a full summary update on every heartbeat and mutation, and
// leave when it shuts down gracefully. A runtime that crashes is never
// removed from its peers' tables. The leader is the smallest id among
// self and known peers; only the leader spawns missing daemons.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/eventlog"
	"github.com/iambrandonn/roam/internal/hwinfo"
	"github.com/iambrandonn/roam/internal/membership"
	"github.com/iambrandonn/roam/internal/pipe"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/snapshot"
)

var (
	// ErrLeaving is returned for mutations once Leave has begun.
	ErrLeaving = errors.New("node: runtime is leaving")
	// ErrUnknownAgent is returned for an agent id this runtime does not host.
	ErrUnknownAgent = errors.New("node: unknown agent")
)

const (
	defaultHeartbeat = 5 * time.Second
	defaultSettle    = 2 * time.Second
	// daemonRestartDelay spaces out restarts of a daemon that keeps dying.
	daemonRestartDelay = time.Second
)

// Config describes a runtime.
type Config struct {
	ID        string
	Transport pubsub.Transport
	Launcher  agent.Launcher
	Clock     clock.Clock
	Logger    *slog.Logger

	// Device overrides the probed host description.
	Device *protocol.Device
	// Sample overrides the host utilization sampler.
	Sample func() protocol.ResourceStat

	// Heartbeat is the period of the self update broadcast.
	Heartbeat time.Duration
	// Settle is how long Run waits for peers before the first daemon check.
	Settle time.Duration
	// Daemons is the fixed system daemon set; every spec must name a
	// program.
	Daemons []protocol.AgentSpec

	BrokerAddr    string
	LogLevel      string
	StatsInterval time.Duration
	KillGrace     time.Duration
	RPCTimeout    time.Duration
	Stdout        io.Writer
	Stderr        io.Writer

	// Journal, when set, records inbound control and membership traffic.
	Journal *eventlog.EventLog
}

// Runtime is one node of the cluster.
type Runtime struct {
	cfg    Config
	id     string
	logger *slog.Logger
	clock  clock.Clock
	table  *membership.Table
	ep     *rpc.Endpoint
	device protocol.Device

	// ctx lives from Start to Leave and bounds background work.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	agents  map[string]*agent.Agent
	pipes   map[string]*pipe.Pipe
	stat    protocol.ResourceStat
	subs    []pubsub.Subscription
	started bool
	leaving bool

	daemonMu sync.Mutex
}

// New creates a runtime. Nothing happens until Start or Run.
func New(cfg Config) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Sample == nil {
		cfg.Sample = hwinfo.NewSampler().Sample
	}
	for i := range cfg.Daemons {
		cfg.Daemons[i].Daemon = true
		cfg.Daemons[i].Migratable = false
		if cfg.Daemons[i].Language == "" {
			cfg.Daemons[i].Language = protocol.LanguageProgram
		}
	}

	r := &Runtime{
		cfg:    cfg,
		id:     cfg.ID,
		logger: cfg.Logger.With("runtime", cfg.ID),
		clock:  cfg.Clock,
		table:  membership.NewTable(cfg.ID),
		agents: make(map[string]*agent.Agent),
		pipes:  make(map[string]*pipe.Pipe),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.ep = rpc.New(r.id, protocol.InputTopic(r.id), pubsub.Sender(cfg.Transport), rpc.Options{
		Clock:   cfg.Clock,
		Logger:  r.logger,
		Timeout: cfg.RPCTimeout,
		OnRequest: func(req *protocol.Request) {
			if err := cfg.Journal.WriteRequest(req); err != nil {
				r.logger.Warn("failed to journal request", "error", err)
			}
		},
	})
	r.register()
	return r
}

// ID returns the runtime id.
func (r *Runtime) ID() string { return r.id }

// RuntimeID implements agent.Host.
func (r *Runtime) RuntimeID() string { return r.id }

// Table returns the membership table.
func (r *Runtime) Table() *membership.Table { return r.table }

// Endpoint returns the runtime's control endpoint on {id}:input.
func (r *Runtime) Endpoint() *rpc.Endpoint { return r.ep }

// Run starts the runtime, heartbeats until ctx is done, then leaves the
// cluster gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Serve heartbeats and runs the initial daemon check on a started
// runtime until ctx is done, then leaves the cluster.
func (r *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-r.clock.After(r.cfg.Settle):
		}
		r.CheckDaemons(gctx)
		return nil
	})
	err := g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), r.leaveTimeout())
	defer cancel()
	if lerr := r.Leave(leaveCtx); lerr != nil {
		r.logger.Warn("leave failed", "error", lerr)
	}
	return err
}

func (r *Runtime) leaveTimeout() time.Duration {
	grace := r.cfg.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return grace + 5*time.Second
}

// Start assesses the device, serves {id}:input, subscribes to the
// membership topics and broadcasts join.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime %s already started", r.id)
	}
	r.started = true
	r.mu.Unlock()

	if r.cfg.Device != nil {
		r.device = *r.cfg.Device
	} else {
		r.device = hwinfo.Probe()
	}
	stat := r.cfg.Sample()

	var subs []pubsub.Subscription
	input, err := pubsub.Serve(r.cfg.Transport, r.ep)
	if err != nil {
		return fmt.Errorf("serve %s: %w", r.ep.Inbox(), err)
	}
	subs = append(subs, input)
	for _, topic := range []string{protocol.MembersTopic(r.id), protocol.TopicMembers} {
		sub, err := r.cfg.Transport.Subscribe(topic, r.onMembership)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	r.mu.Lock()
	r.stat = stat
	r.subs = subs
	r.mu.Unlock()

	r.logger.Info("runtime started",
		"cores", r.device.Cores,
		"clock_mhz", r.device.AvgClockMHz,
		"memory_mb", r.device.MemoryTotalMB,
		"daemons", len(r.cfg.Daemons))
	return r.Broadcast(ctx, protocol.MembershipJoin)
}

// Leave broadcasts leave, kills every local agent and daemon, closes
// pipes and stops serving. It is idempotent.
func (r *Runtime) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.leaving || !r.started {
		r.mu.Unlock()
		return nil
	}
	r.leaving = true
	agents := r.localAgents()
	pipes := make([]*pipe.Pipe, 0, len(r.pipes))
	for _, p := range r.pipes {
		pipes = append(pipes, p)
	}
	r.pipes = make(map[string]*pipe.Pipe)
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	err := r.publishMembership(ctx, protocol.TopicMembers, protocol.MembershipLeave)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			return a.Kill(gctx)
		})
	}
	if kerr := g.Wait(); kerr != nil {
		err = errors.Join(err, kerr)
	}
	for _, p := range pipes {
		p.Close()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	r.ep.Close()
	r.cancel()
	r.logger.Info("runtime left cluster", "agents", len(agents), "pipes", len(pipes))
	return err
}

// Leaving reports whether Leave has begun.
func (r *Runtime) Leaving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaving
}

func (r *Runtime) heartbeat(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stat := r.cfg.Sample()
		r.mu.Lock()
		r.stat = stat
		r.mu.Unlock()
		if err := r.Broadcast(ctx, protocol.MembershipUpdate); err != nil {
			r.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// Broadcast publishes a membership message of type typ on the shared
// members topic. Updates are suppressed once the runtime is leaving.
func (r *Runtime) Broadcast(ctx context.Context, typ protocol.MembershipType) error {
	if typ != protocol.MembershipLeave && r.Leaving() {
		return nil
	}
	return r.publishMembership(ctx, protocol.TopicMembers, typ)
}

func (r *Runtime) publishMembership(ctx context.Context, topic string, typ protocol.MembershipType) error {
	msg := protocol.MembershipMessage{
		Kind:   protocol.MessageKindMembership,
		Type:   typ,
		Sender: r.id,
	}
	if typ != protocol.MembershipLeave {
		s := r.Summary()
		msg.Summary = &s
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := r.cfg.Transport.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s on %s: %w", typ, topic, err)
	}
	return nil
}

// changed announces a local mutation without blocking the caller.
func (r *Runtime) changed() {
	go func() {
		if err := r.Broadcast(r.ctx, protocol.MembershipUpdate); err != nil {
			r.logger.Debug("update broadcast failed", "error", err)
		}
	}()
}

func (r *Runtime) onMembership(ctx context.Context, m pubsub.Message) {
	var msg protocol.MembershipMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		r.logger.Warn("invalid membership message", "topic", m.Topic, "error", err)
		return
	}
	if msg.Sender == r.id || r.Leaving() {
		return
	}
	if err := r.cfg.Journal.WriteMembership(&msg); err != nil {
		r.logger.Warn("failed to journal membership", "error", err)
	}

	before := r.table.Leader()
	changed := r.table.Apply(msg)
	if changed {
		r.logger.Info("membership changed", "peer", msg.Sender, "type", msg.Type, "peers", r.table.Len())
	}
	if leader := r.table.Leader(); leader != before {
		r.logger.Info("leader changed", "leader", leader, "self", leader == r.id)
	}

	switch msg.Type {
	case protocol.MembershipJoin:
		// Reply privately so peers joining at the same time converge
		// without depending on broadcast order.
		if err := r.publishMembership(ctx, protocol.MembersTopic(msg.Sender), protocol.MembershipUpdate); err != nil {
			r.logger.Warn("join reply failed", "peer", msg.Sender, "error", err)
		}
	case protocol.MembershipLeave:
		if changed && r.table.IsLeader() {
			go r.CheckDaemons(r.ctx)
		}
	}
}

// CheckDaemons spawns, on this runtime, every daemon of the fixed set
// that no known runtime hosts. Only the leader acts. It returns the
// names it spawned.
func (r *Runtime) CheckDaemons(ctx context.Context) []string {
	r.daemonMu.Lock()
	defer r.daemonMu.Unlock()

	if r.Leaving() || !r.table.IsLeader() || len(r.cfg.Daemons) == 0 {
		return nil
	}
	names := make([]string, len(r.cfg.Daemons))
	for i, d := range r.cfg.Daemons {
		names[i] = d.Name
	}
	summaries := append(r.table.Summaries(), r.Summary())
	missing := membership.Missing(names, summaries)

	var spawned []string
	for _, name := range missing {
		spec, _ := r.daemonSpec(name)
		spec.ID = protocol.DaemonAgentID(name, r.id)
		if _, err := r.startAgent(ctx, spec, nil); err != nil {
			r.logger.Error("failed to spawn daemon", "daemon", name, "error", err)
			continue
		}
		r.logger.Info("spawned missing daemon", "daemon", name)
		spawned = append(spawned, name)
	}
	return spawned
}

func (r *Runtime) daemonSpec(name string) (protocol.AgentSpec, bool) {
	for _, d := range r.cfg.Daemons {
		if d.Name == name {
			return d, true
		}
	}
	return protocol.AgentSpec{}, false
}

// Summary describes this runtime to its peers.
func (r *Runtime) Summary() protocol.Summary {
	r.mu.Lock()
	agents := r.localAgents()
	pipes := make([]*pipe.Pipe, 0, len(r.pipes))
	for _, p := range r.pipes {
		pipes = append(pipes, p)
	}
	stat := r.stat
	r.mu.Unlock()

	s := protocol.Summary{
		ID:        r.id,
		Device:    r.device,
		Agents:    []protocol.AgentInfo{},
		Daemons:   []protocol.AgentInfo{},
		Pipes:     make([]protocol.PipeInfo, 0, len(pipes)),
		Stat:      stat,
		UpdatedAt: r.clock.Now().UTC(),
	}
	for _, a := range agents {
		info := a.Info()
		if info.Daemon {
			s.Daemons = append(s.Daemons, info)
		} else {
			s.Agents = append(s.Agents, info)
		}
	}
	for _, p := range pipes {
		s.Pipes = append(s.Pipes, p.Info())
	}
	sort.Slice(s.Pipes, func(i, j int) bool { return s.Pipes[i].ID < s.Pipes[j].ID })
	return s
}

// localAgents returns the hosted agents sorted by id. r.mu must be held.
func (r *Runtime) localAgents() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Agent returns a hosted agent by id.
func (r *Runtime) Agent(id string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns the infos of every hosted agent and daemon.
func (r *Runtime) Agents() []protocol.AgentInfo {
	r.mu.Lock()
	agents := r.localAgents()
	r.mu.Unlock()
	out := make([]protocol.AgentInfo, len(agents))
	for i, a := range agents {
		out[i] = a.Info()
	}
	return out
}

// StartAgent launches spec on this runtime. A spec with a path and no
// source has its source fetched from the filesystem daemon first.
func (r *Runtime) StartAgent(ctx context.Context, spec protocol.AgentSpec) (protocol.AgentInfo, error) {
	if err := spec.Validate(); err != nil {
		return protocol.AgentInfo{}, err
	}
	if spec.Language != protocol.LanguageProgram && spec.Source == "" {
		src, err := r.fetchSource(ctx, spec.Path)
		if err != nil {
			return protocol.AgentInfo{}, err
		}
		spec.Source = src
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	a, err := r.startAgent(ctx, spec, nil)
	if err != nil {
		return protocol.AgentInfo{}, err
	}
	return a.Info(), nil
}

// RestoreAgent resumes a migrated agent from its snapshot, keeping the
// agent id it had on the source runtime.
func (r *Runtime) RestoreAgent(ctx context.Context, req protocol.RestoreAgentRequest) (protocol.AgentInfo, error) {
	if req.Snapshot == nil {
		return protocol.AgentInfo{}, errors.New("restore: snapshot is required")
	}
	spec := req.Spec
	if spec.ID == "" {
		spec.ID = req.Snapshot.Meta.Agent
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	a, err := r.startAgent(ctx, spec, req.Snapshot)
	if err != nil {
		return protocol.AgentInfo{}, err
	}
	return a.Info(), nil
}

func (r *Runtime) fetchSource(ctx context.Context, path string) (string, error) {
	var content protocol.FileContent
	err := r.ep.CallInto(ctx, protocol.InputTopic(protocol.FilesystemAddr), protocol.VerbReadFile, protocol.FileRequest{Path: path}, &content)
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", path, err)
	}
	if content.Checksum != "" {
		if err := checksum.Verify(content.Data, content.Checksum); err != nil {
			return "", fmt.Errorf("fetch source %s: %w", path, err)
		}
	}
	return string(content.Data), nil
}

func (r *Runtime) startAgent(ctx context.Context, spec protocol.AgentSpec, snap *snapshot.Snapshot) (*agent.Agent, error) {
	a := agent.New(agent.Config{
		ID:            spec.ID,
		Spec:          spec,
		Snapshot:      snap,
		Host:          r,
		Transport:     r.cfg.Transport,
		Launcher:      r.cfg.Launcher,
		Clock:         r.clock,
		Logger:        r.logger,
		BrokerAddr:    r.cfg.BrokerAddr,
		LogLevel:      r.cfg.LogLevel,
		StatsInterval: r.cfg.StatsInterval,
		KillGrace:     r.cfg.KillGrace,
		RPCTimeout:    r.cfg.RPCTimeout,
		Stdout:        r.cfg.Stdout,
		Stderr:        r.cfg.Stderr,
	})

	r.mu.Lock()
	if r.leaving {
		r.mu.Unlock()
		return nil, ErrLeaving
	}
	if _, dup := r.agents[spec.ID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s already exists on %s", spec.ID, r.id)
	}
	r.agents[spec.ID] = a
	r.mu.Unlock()

	if err := a.Start(ctx, nil); err != nil {
		return nil, err
	}
	r.changed()
	return a, nil
}

// KillAgent kills a hosted agent.
func (r *Runtime) KillAgent(ctx context.Context, id string) error {
	a, ok := r.Agent(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a.Kill(ctx)
}

// StartPipe starts relaying spec.Source to spec.Sink on this runtime.
func (r *Runtime) StartPipe(spec protocol.PipeSpec) (protocol.PipeInfo, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	r.mu.Lock()
	if r.leaving {
		r.mu.Unlock()
		return protocol.PipeInfo{}, ErrLeaving
	}
	if _, dup := r.pipes[spec.ID]; dup {
		r.mu.Unlock()
		return protocol.PipeInfo{}, fmt.Errorf("pipe %s already exists on %s", spec.ID, r.id)
	}
	r.mu.Unlock()

	p, err := pipe.Start(r.cfg.Transport, spec, r.clock, r.logger)
	if err != nil {
		return protocol.PipeInfo{}, err
	}
	r.mu.Lock()
	r.pipes[spec.ID] = p
	r.mu.Unlock()
	r.changed()
	return p.Info(), nil
}

// KillPipe stops a pipe.
func (r *Runtime) KillPipe(id string) error {
	r.mu.Lock()
	p, ok := r.pipes[id]
	delete(r.pipes, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pipe %s on %s", id, r.id)
	}
	p.Close()
	r.changed()
	return nil
}

// AgentExited implements agent.Host. Exited agents are forgotten unless
// quarantined. Daemons that end on their own are restarted in place.
func (r *Runtime) AgentExited(a *agent.Agent) {
	_, reason := a.Status()
	r.mu.Lock()
	current := r.agents[a.ID()] == a
	if current && !a.Quarantined() {
		delete(r.agents, a.ID())
	}
	leaving := r.leaving
	r.mu.Unlock()

	if !current || leaving {
		return
	}
	if a.Spec().Daemon && (reason == agent.ExitClean || reason == agent.ExitError) {
		go r.restartDaemon(a)
		return
	}
	r.changed()
}

func (r *Runtime) restartDaemon(old *agent.Agent) {
	select {
	case <-r.ctx.Done():
		return
	case <-r.clock.After(daemonRestartDelay):
	}
	r.daemonMu.Lock()
	defer r.daemonMu.Unlock()

	if old.Quarantined() {
		// Releases the kill-only control topic before the id is reused.
		_ = old.Kill(r.ctx)
	}
	spec := old.Spec()
	r.logger.Warn("daemon exited, restarting in place", "daemon", spec.Name, "agent", spec.ID)
	if _, err := r.startAgent(r.ctx, spec, nil); err != nil {
		r.logger.Error("daemon restart failed", "daemon", spec.Name, "error", err)
	}
}

// Peers returns every known runtime summary including this one's, sorted
// by id.
func (r *Runtime) Peers() []protocol.Summary {
	all := append(r.table.Summaries(), r.Summary())
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
