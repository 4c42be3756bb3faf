// Package scheduler is the cluster-wide coordinator: it places new
// agents, moves agents off stressed runtimes and keeps wildcard
// deployment contracts satisfied.
//
// The scheduler keeps its own eventually consistent copy of cluster
// membership. It mirrors the hosting runtime's table once at startup
// and afterwards listens to the same members and stats topics as every
// runtime. It never holds a lock across the network.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/fsd"
	"github.com/iambrandonn/roam/internal/idempotency"
	"github.com/iambrandonn/roam/internal/membership"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/vm"
)

const (
	defaultBalanceInterval   = 30 * time.Second
	defaultReconcileInterval = 10 * time.Second
	// jitterFraction is the largest random extension of a loop period.
	jitterFraction = 0.2
)

// Config describes a scheduler.
type Config struct {
	Transport  pubsub.Transport
	Clock      clock.Clock
	Logger     *slog.Logger
	RPCTimeout time.Duration

	BalanceInterval   time.Duration
	ReconcileInterval time.Duration
	// ContractsPath persists deployments as TOML; empty keeps them in
	// memory.
	ContractsPath string

	// Syscall reaches the hosting runtime when the scheduler runs as a
	// daemon. It is used once to mirror membership.
	Syscall vm.SyscallFunc

	// Jitter returns a value in [0,1) that stretches each loop period.
	Jitter func() float64
}

// Scheduler coordinates placement for the whole cluster.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	ep     *rpc.Endpoint
	fs     *fsd.Client
	store  *Store
	table  *membership.Table

	mu    sync.Mutex
	stats map[string]protocol.AgentStat
	subs  []pubsub.Subscription
}

// New creates a scheduler and loads its contracts.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Transport == nil {
		return nil, errors.New("scheduler: transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = defaultBalanceInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	store, err := OpenStore(cfg.ContractsPath)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", protocol.SchedulerAddr),
		clock:  cfg.Clock,
		store:  store,
		table:  membership.NewTable(protocol.SchedulerAddr),
		stats:  make(map[string]protocol.AgentStat),
	}
	s.ep = rpc.New(protocol.SchedulerAddr, protocol.InputTopic(protocol.SchedulerAddr), pubsub.Sender(cfg.Transport), rpc.Options{
		Clock:   cfg.Clock,
		Logger:  s.logger,
		Timeout: cfg.RPCTimeout,
	})
	s.fs = fsd.NewClient(s.ep)
	s.register()
	return s, nil
}

// Store returns the contract store.
func (s *Scheduler) Store() *Store { return s.store }

// Table returns the mirrored membership table.
func (s *Scheduler) Table() *membership.Table { return s.table }

// Start serves scheduler:input, subscribes to membership and stats and
// mirrors the hosting runtime's view when running as a daemon.
func (s *Scheduler) Start(ctx context.Context) error {
	var subs []pubsub.Subscription
	fail := func(err error) error {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return err
	}

	input, err := pubsub.Serve(s.cfg.Transport, s.ep)
	if err != nil {
		return fail(fmt.Errorf("serve %s: %w", s.ep.Inbox(), err))
	}
	subs = append(subs, input)
	members, err := s.cfg.Transport.Subscribe(protocol.TopicMembers, s.onMembership)
	if err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", protocol.TopicMembers, err))
	}
	subs = append(subs, members)
	stats, err := s.cfg.Transport.Subscribe(protocol.TopicStats, s.onStats)
	if err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", protocol.TopicStats, err))
	}
	subs = append(subs, stats)

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	if s.cfg.Syscall != nil {
		if err := s.mirror(ctx); err != nil {
			s.logger.Warn("failed to mirror membership, waiting for heartbeats", "error", err)
		}
	}
	s.logger.Info("scheduler started", "runtimes", s.table.Len(), "deployments", len(s.store.List()))
	return nil
}

// Stop unsubscribes and closes the endpoint.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.ep.Close()
}

// Run starts the scheduler and drives the balance and reconcile loops
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(gctx, "balance", s.cfg.BalanceInterval, func(ctx context.Context) error {
			_, err := s.Balance(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.loop(gctx, "reconcile", s.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := s.Reconcile(ctx)
			return err
		})
		return nil
	})
	return g.Wait()
}

// loop runs pass every interval plus up to jitterFraction of random
// extension.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	for {
		delay := interval + time.Duration(float64(interval)*jitterFraction*s.cfg.Jitter())
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		if err := pass(ctx); err != nil && !errors.Is(err, ErrNoPlacement) {
			s.logger.Warn("scheduler pass failed", "loop", name, "error", err)
		}
	}
}

func (s *Scheduler) mirror(ctx context.Context) error {
	raw, err := s.cfg.Syscall(ctx, protocol.SyscallGetAllRuntimes, nil)
	if err != nil {
		return err
	}
	var summaries []protocol.Summary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		return fmt.Errorf("decode runtimes: %w", err)
	}
	for _, sum := range summaries {
		s.table.Put(sum)
	}
	return nil
}

func (s *Scheduler) onMembership(_ context.Context, m pubsub.Message) {
	var msg protocol.MembershipMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		s.logger.Warn("invalid membership message", "error", err)
		return
	}
	if s.table.Apply(msg) {
		s.logger.Info("runtime membership changed", "runtime", msg.Sender, "type", msg.Type, "runtimes", s.table.Len())
	}
}

func (s *Scheduler) onStats(_ context.Context, m pubsub.Message) {
	var msg protocol.StatsMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		s.logger.Debug("invalid stats message", "error", err)
		return
	}
	s.mu.Lock()
	s.stats[msg.Agent] = msg.Stat
	s.mu.Unlock()
}

// Runtimes returns the live runtimes, sorted by id.
func (s *Scheduler) Runtimes() []protocol.Summary {
	return s.table.Summaries()
}

// agentStat returns the freshest known sample for an agent.
func (s *Scheduler) agentStat(info protocol.AgentInfo) protocol.AgentStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stat, ok := s.stats[info.ID]; ok && stat.SampledAt.After(info.Stat.SampledAt) {
		return stat
	}
	return info.Stat
}

// locate returns the runtime hosting agent id according to the mirror.
func (s *Scheduler) locate(id string) (protocol.AgentInfo, bool) {
	for _, sum := range s.table.Summaries() {
		for _, group := range [][]protocol.AgentInfo{sum.Agents, sum.Daemons} {
			for _, info := range group {
				if info.ID == id {
					return info, true
				}
			}
		}
	}
	return protocol.AgentInfo{}, false
}

// knownAgents lists every non-daemon agent in the mirror.
func (s *Scheduler) knownAgents() []protocol.AgentInfo {
	var out []protocol.AgentInfo
	for _, sum := range s.table.Summaries() {
		for _, info := range sum.Agents {
			if info.Status != "exited" {
				out = append(out, info)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// recordStart folds a freshly started agent into the mirror so the next
// pass sees it before the runtime's own update arrives.
func (s *Scheduler) recordStart(runtime string, info protocol.AgentInfo) {
	sum, ok := s.table.Get(runtime)
	if !ok {
		return
	}
	agents := make([]protocol.AgentInfo, 0, len(sum.Agents)+1)
	agents = append(agents, sum.Agents...)
	sum.Agents = append(agents, info)
	s.table.Put(sum)
}

// Move is one migration requested by Balance.
type Move struct {
	Agent string
	From  string
	To    string
}

// Balance runs one load-balancing pass: it finds the lowest-scoring
// stressed runtime, picks its most expensive migratable agent and asks
// it to migrate to the best placement. At most one agent moves per
// pass. It returns nil when there is nothing to do.
func (s *Scheduler) Balance(ctx context.Context) (*Move, error) {
	runtimes := s.Runtimes()
	stressed := Stressed(runtimes)
	if len(stressed) == 0 {
		return nil, nil
	}
	source, _ := s.table.Get(stressed[0])

	var pick *protocol.AgentInfo
	var pickCost float64
	for _, group := range [][]protocol.AgentInfo{source.Agents, source.Daemons} {
		for i := range group {
			info := group[i]
			if !info.Migratable || (info.Status != "running" && info.Status != "paused") {
				continue
			}
			cost := Cost(s.agentStat(info))
			if pick == nil || cost > pickCost {
				pick, pickCost = &info, cost
			}
		}
	}
	if pick == nil {
		s.logger.Debug("stressed runtime has no migratable agent", "runtime", source.ID)
		return nil, nil
	}

	dest, err := Placement(runtimes, nil)
	if err != nil {
		return nil, err
	}
	if dest == source.ID {
		return nil, nil
	}

	move := &Move{Agent: pick.ID, From: source.ID, To: dest}
	s.logger.Info("migrating agent off stressed runtime", "agent", move.Agent, "from", move.From, "to", move.To, "cost", pickCost)
	if _, err := s.ep.Call(ctx, protocol.InputTopic(move.Agent), protocol.VerbMigrate, protocol.MigrateRequest{Runtime: dest}); err != nil {
		return move, fmt.Errorf("migrate %s to %s: %w", move.Agent, dest, err)
	}
	return move, nil
}

// Start is one start_agent issued by Reconcile.
type Start struct {
	Deployment string
	Runtime    string
	Agent      string
}

// Reconcile runs one contract pass: for each wildcard deployment it
// starts the agent on every live runtime that does not host it yet.
// Sources referenced by path are fetched once per pass. Deployments
// pinned to a runtime are not re-enforced.
func (s *Scheduler) Reconcile(ctx context.Context) ([]Start, error) {
	runtimes := s.Runtimes()
	type gap struct {
		dep     protocol.Deployment
		runtime string
	}
	var gaps []gap
	var paths []string
	for _, dep := range s.store.List() {
		if !dep.Wildcard() {
			continue
		}
		for _, rt := range runtimes {
			if rt.Hosts(dep.Spec.Name) {
				continue
			}
			gaps = append(gaps, gap{dep: dep, runtime: rt.ID})
			if needsSource(dep.Spec) {
				paths = append(paths, dep.Spec.Path)
			}
		}
	}
	if len(gaps) == 0 {
		return nil, nil
	}

	sources := map[string][]byte{}
	if len(paths) > 0 {
		var err error
		if sources, err = s.fs.ReadFiles(ctx, paths); err != nil {
			return nil, fmt.Errorf("fetch sources: %w", err)
		}
	}

	var started []Start
	var errs []error
	for _, g := range gaps {
		spec := g.dep.Spec
		spec.ID = ""
		if needsSource(spec) {
			spec.Source = string(sources[spec.Path])
		}
		info, err := s.startOn(ctx, g.runtime, spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("deployment %s on %s: %w", g.dep.ID, g.runtime, err))
			continue
		}
		s.logger.Info("reconciled wildcard deployment", "deployment", g.dep.ID, "runtime", g.runtime, "agent", info.ID)
		started = append(started, Start{Deployment: g.dep.ID, Runtime: g.runtime, Agent: info.ID})
	}
	return started, errors.Join(errs...)
}

func needsSource(spec protocol.AgentSpec) bool {
	return spec.Language != protocol.LanguageProgram && spec.Source == "" && spec.Path != ""
}

func (s *Scheduler) startOn(ctx context.Context, runtime string, spec protocol.AgentSpec) (protocol.AgentInfo, error) {
	var info protocol.AgentInfo
	if err := s.ep.CallInto(ctx, protocol.InputTopic(runtime), protocol.VerbStartAgent, spec, &info); err != nil {
		return protocol.AgentInfo{}, err
	}
	s.recordStart(runtime, info)
	return info, nil
}

// RunAgent places spec on runtime, or on the best placement when runtime is
// empty, fetching its source by path first when needed.
func (s *Scheduler) RunAgent(ctx context.Context, spec protocol.AgentSpec, runtime string) (protocol.AgentInfo, error) {
	if err := spec.Validate(); err != nil {
		return protocol.AgentInfo{}, err
	}
	if runtime == "" {
		var err error
		if runtime, err = Placement(s.Runtimes(), nil); err != nil {
			return protocol.AgentInfo{}, err
		}
	}
	if needsSource(spec) {
		data, err := s.fs.ReadFile(ctx, spec.Path)
		if err != nil {
			return protocol.AgentInfo{}, fmt.Errorf("fetch source %s: %w", spec.Path, err)
		}
		spec.Source = string(data)
	}
	return s.startOn(ctx, runtime, spec)
}

// Deploy records a contract and enforces it once: a pinned deployment
// starts on its runtime, a wildcard one on every live runtime. Deploying
// the same spec and criterion twice returns the existing contract.
func (s *Scheduler) Deploy(ctx context.Context, spec protocol.AgentSpec, runtime string) (protocol.Deployment, error) {
	if err := spec.Validate(); err != nil {
		return protocol.Deployment{}, err
	}
	if runtime == "" {
		var err error
		if runtime, err = Placement(s.Runtimes(), nil); err != nil {
			return protocol.Deployment{}, err
		}
	}
	spec.ID = ""
	key, err := idempotency.DeploymentKey(spec, runtime)
	if err != nil {
		return protocol.Deployment{}, err
	}
	if existing, ok := s.store.Get(key); ok {
		return existing, nil
	}

	dep := protocol.Deployment{ID: key, Spec: spec, Runtime: runtime, CreatedAt: s.clock.Now().UTC()}
	if err := s.store.Put(dep); err != nil {
		return protocol.Deployment{}, err
	}
	s.logger.Info("deployment recorded", "deployment", dep.ID, "name", spec.Name, "runtime", runtime)

	if dep.Wildcard() {
		_, err = s.Reconcile(ctx)
	} else {
		_, err = s.RunAgent(ctx, spec, runtime)
	}
	if err != nil {
		return dep, fmt.Errorf("deployment %s recorded but not yet running: %w", dep.ID, err)
	}
	return dep, nil
}

// Withdraw deletes a contract. Agents it started keep running.
func (s *Scheduler) Withdraw(id string) error {
	ok, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown deployment %s", id)
	}
	s.logger.Info("deployment withdrawn", "deployment", id)
	return nil
}

// Forward sends an agent control verb to target, or to every known
// agent when target is the wildcard.
func (s *Scheduler) Forward(ctx context.Context, verb, target string, payload any) (any, error) {
	if target == "" {
		return nil, errors.New("target is required")
	}
	if target != protocol.Wildcard {
		return s.ep.Call(ctx, protocol.InputTopic(target), verb, payload)
	}

	agents := s.knownAgents()
	results := make([]protocol.TargetResult, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, info := range agents {
		g.Go(func() error {
			results[i].Agent = info.ID
			out, err := s.ep.Call(gctx, protocol.InputTopic(info.ID), verb, payload)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Payload = out
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Migrate moves target to runtime, or to the best placement other than
// its current host when runtime is empty.
func (s *Scheduler) Migrate(ctx context.Context, target, runtime string) (any, error) {
	if runtime == "" && target != protocol.Wildcard {
		current, _ := s.locate(target)
		var err error
		runtime, err = Placement(s.Runtimes(), func(sum protocol.Summary) bool { return sum.ID != current.Runtime })
		if err != nil {
			return nil, err
		}
	}
	if runtime == "" {
		return nil, errors.New("migrate: target runtime is required for a wildcard")
	}
	return s.Forward(ctx, protocol.VerbMigrate, target, protocol.MigrateRequest{Runtime: runtime})
}

// CreatePipe starts a pipe on spec.Runtime, or on the best placement.
func (s *Scheduler) CreatePipe(ctx context.Context, spec protocol.PipeSpec) (protocol.PipeInfo, error) {
	runtime := spec.Runtime
	if runtime == "" {
		var err error
		if runtime, err = Placement(s.Runtimes(), nil); err != nil {
			return protocol.PipeInfo{}, err
		}
	}
	spec.Runtime = ""
	var info protocol.PipeInfo
	err := s.ep.CallInto(ctx, protocol.InputTopic(runtime), protocol.VerbStartPipe, spec, &info)
	return info, err
}

// DestroyPipe stops a pipe on spec.Runtime, or wherever the mirror says
// it runs.
func (s *Scheduler) DestroyPipe(ctx context.Context, spec protocol.PipeSpec) error {
	runtime := spec.Runtime
	if runtime == "" {
		for _, sum := range s.Runtimes() {
			for _, p := range sum.Pipes {
				if p.ID == spec.ID {
					runtime = sum.ID
				}
			}
		}
	}
	if runtime == "" {
		return fmt.Errorf("unknown pipe %s", spec.ID)
	}
	_, err := s.ep.Call(ctx, protocol.InputTopic(runtime), protocol.VerbKillPipe, protocol.PipeSpec{ID: spec.ID})
	return err
}
