package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/vm"
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

type cluster struct {
	bus      *pubsub.Bus
	programs *vm.Programs
	launcher *agent.InProcessLauncher
	flaky    atomic.Int32
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	bus := pubsub.NewBus(logging.Discard())
	t.Cleanup(func() { bus.Close() })

	c := &cluster{bus: bus, programs: vm.NewPrograms()}
	c.programs.Register("idle", func(ctx context.Context, _ *vm.Env) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.programs.Register("flaky", func(ctx context.Context, _ *vm.Env) error {
		if c.flaky.Add(1) == 1 {
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	c.launcher = &agent.InProcessLauncher{Programs: c.programs, Transport: bus, Clock: clock.Real()}
	return c
}

func (c *cluster) runtime(t *testing.T, id string, daemons ...protocol.AgentSpec) *Runtime {
	t.Helper()
	r := New(Config{
		ID:            id,
		Transport:     c.bus,
		Launcher:      c.launcher,
		Logger:        logging.Discard(),
		Device:        &protocol.Device{Hostname: id, Cores: 4, AvgClockMHz: 2000, MemoryTotalMB: 8192},
		Sample:        func() protocol.ResourceStat { return protocol.ResourceStat{MemLimitMB: 8192} },
		Daemons:       daemons,
		StatsInterval: -1,
		KillGrace:     time.Second,
		Stdout:        &strings.Builder{},
		Stderr:        &strings.Builder{},
	})
	t.Cleanup(func() { _ = r.Leave(context.Background()) })
	return r
}

// client is an rpc endpoint standing in for the shell.
func (c *cluster) client(t *testing.T, name string) *rpc.Endpoint {
	t.Helper()
	ep := rpc.New(name, protocol.InputTopic(name), pubsub.Sender(c.bus), rpc.Options{
		Logger:  logging.Discard(),
		Timeout: 5 * time.Second,
	})
	sub, err := pubsub.Serve(c.bus, ep)
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Unsubscribe()
		ep.Close()
	})
	return ep
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func knows(r *Runtime, peer string) bool {
	_, ok := r.Table().Get(peer)
	return ok
}

func TestJoinExchangesSummaries(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	r2 := c.runtime(t, "r2")

	require.NoError(t, r1.Start(context.Background()))
	require.NoError(t, r2.Start(context.Background()))

	eventually(t, func() bool { return knows(r1, "r2") && knows(r2, "r1") })

	s, _ := r2.Table().Get("r1")
	assert.Equal(t, "r1", s.Device.Hostname)
	assert.Equal(t, "r1", r1.Table().Leader())
	assert.Equal(t, "r1", r2.Table().Leader())
	assert.True(t, r1.Table().IsLeader())
	assert.False(t, r2.Table().IsLeader())
}

func TestUpdateOverwritesSummary(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	r2 := c.runtime(t, "r2")
	require.NoError(t, r1.Start(context.Background()))
	require.NoError(t, r2.Start(context.Background()))
	eventually(t, func() bool { return knows(r1, "r2") })

	_, err := r2.StartPipe(protocol.PipeSpec{ID: "p1", Source: "a", Sink: "b"})
	require.NoError(t, err)

	eventually(t, func() bool {
		s, _ := r1.Table().Get("r2")
		return len(s.Pipes) == 1
	})
}

func TestLeaveRespawnsDaemonsOnNewLeader(t *testing.T) {
	c := newCluster(t)
	daemons := func() []protocol.AgentSpec {
		return []protocol.AgentSpec{{Name: "fs", Program: "idle"}}
	}
	r1 := c.runtime(t, "r1", daemons()...)
	r2 := c.runtime(t, "r2", daemons()...)
	require.NoError(t, r1.Start(context.Background()))
	require.NoError(t, r2.Start(context.Background()))
	eventually(t, func() bool { return knows(r1, "r2") && knows(r2, "r1") })

	assert.Nil(t, r2.CheckDaemons(context.Background()), "only the leader spawns daemons")
	assert.Equal(t, []string{"fs"}, r1.CheckDaemons(context.Background()))
	eventually(t, func() bool {
		s, _ := r2.Table().Get("r1")
		return s.Hosts("fs")
	})
	assert.Nil(t, r1.CheckDaemons(context.Background()), "daemon already hosted")

	require.NoError(t, r1.Leave(context.Background()))

	eventually(t, func() bool { return !knows(r2, "r1") })
	assert.True(t, r2.Table().IsLeader())
	eventually(t, func() bool {
		a, ok := r2.Agent(protocol.DaemonAgentID("fs", "r2"))
		if !ok {
			return false
		}
		status, _ := a.Status()
		return status == agent.StatusRunning
	})
	assert.Empty(t, r1.Agents(), "leaving runtime kills its agents")
}

func TestDaemonRestartsInPlace(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1", protocol.AgentSpec{Name: "flaky", Program: "flaky"})
	require.NoError(t, r1.Start(context.Background()))

	assert.Equal(t, []string{"flaky"}, r1.CheckDaemons(context.Background()))
	id := protocol.DaemonAgentID("flaky", "r1")

	eventually(t, func() bool {
		a, ok := r1.Agent(id)
		if !ok || c.flaky.Load() < 2 {
			return false
		}
		status, _ := a.Status()
		return status == agent.StatusRunning
	})
	a, _ := r1.Agent(id)
	assert.True(t, a.Spec().Daemon)
	assert.False(t, a.Info().Migratable)
}

func TestStartAndKillAgentOverRPC(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	require.NoError(t, r1.Start(context.Background()))
	ctl := c.client(t, "ctl")

	var info protocol.AgentInfo
	err := ctl.CallInto(context.Background(), protocol.InputTopic("r1"), protocol.VerbStartAgent,
		protocol.AgentSpec{Name: "counter", Language: protocol.LanguageGo, Source: counterSource}, &info)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "r1", info.Runtime)
	assert.Equal(t, string(agent.StatusRunning), info.Status)

	var summary protocol.Summary
	require.NoError(t, ctl.CallInto(context.Background(), protocol.InputTopic("r1"), protocol.VerbGetSummary, nil, &summary))
	require.Len(t, summary.Agents, 1)
	assert.Equal(t, info.ID, summary.Agents[0].ID)

	_, err = ctl.Call(context.Background(), protocol.InputTopic("r1"), protocol.VerbKillAgent, protocol.KillAgentRequest{Agent: info.ID})
	require.NoError(t, err)
	eventually(t, func() bool { return len(r1.Agents()) == 0 })

	_, err = ctl.Call(context.Background(), protocol.InputTopic("r1"), protocol.VerbKillAgent, protocol.KillAgentRequest{Agent: info.ID})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown agent")
}

func TestStartAgentRejectsInvalidSpec(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	require.NoError(t, r1.Start(context.Background()))

	_, err := r1.StartAgent(context.Background(), protocol.AgentSpec{Language: protocol.LanguageGo, Source: counterSource})
	require.ErrorIs(t, err, protocol.ErrMissingName)
}

func TestStartAgentFetchesSourceByPath(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	require.NoError(t, r1.Start(context.Background()))

	fs := c.client(t, protocol.FilesystemAddr)
	var asked sync.Map
	fs.Handle(protocol.VerbReadFile, func(_ context.Context, req *protocol.Request) (any, error) {
		fr, err := rpc.Decode[protocol.FileRequest](req)
		if err != nil {
			return nil, err
		}
		asked.Store(fr.Path, true)
		data := []byte(counterSource)
		return protocol.FileContent{Path: fr.Path, Data: data, Checksum: checksum.Bytes(data)}, nil
	})

	info, err := r1.StartAgent(context.Background(), protocol.AgentSpec{Name: "counter", Language: protocol.LanguageGo, Path: "/agents/counter.go"})
	require.NoError(t, err)
	_, ok := asked.Load("/agents/counter.go")
	assert.True(t, ok)
	assert.Equal(t, "/agents/counter.go", info.Path)
}

func TestPipes(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	require.NoError(t, r1.Start(context.Background()))
	ctl := c.client(t, "ctl")

	got := make(chan string, 1)
	sub, err := c.bus.Subscribe("sink", func(_ context.Context, msg pubsub.Message) { got <- string(msg.Payload) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var info protocol.PipeInfo
	require.NoError(t, ctl.CallInto(context.Background(), protocol.InputTopic("r1"), protocol.VerbStartPipe,
		protocol.PipeSpec{ID: "p1", Source: "src", Sink: "sink"}, &info))
	assert.Equal(t, "p1", info.ID)

	require.NoError(t, c.bus.Publish(context.Background(), "src", []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("pipe did not relay")
	}
	eventually(t, func() bool {
		s := r1.Summary()
		return len(s.Pipes) == 1 && s.Pipes[0].Stats.Messages == 1
	})

	_, err = ctl.Call(context.Background(), protocol.InputTopic("r1"), protocol.VerbKillPipe, protocol.PipeSpec{ID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, r1.Summary().Pipes)

	_, err = r1.StartPipe(protocol.PipeSpec{ID: "loop", Source: "x", Sink: "x"})
	require.Error(t, err)
}

func TestSyscalls(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	r2 := c.runtime(t, "r2")
	require.NoError(t, r1.Start(context.Background()))
	require.NoError(t, r2.Start(context.Background()))
	eventually(t, func() bool { return knows(r1, "r2") })

	_, err := r2.StartPipe(protocol.PipeSpec{ID: "p2", Source: "a", Sink: "b"})
	require.NoError(t, err)
	eventually(t, func() bool {
		s, _ := r1.Table().Get("r2")
		return len(s.Pipes) == 1
	})

	ctx := context.Background()
	out, err := r1.Syscall(ctx, nil, protocol.SyscallGetAllRuntimes, nil)
	require.NoError(t, err)
	runtimes := out.([]protocol.Summary)
	require.Len(t, runtimes, 2)
	assert.Equal(t, "r1", runtimes[0].ID)
	assert.Equal(t, "r2", runtimes[1].ID)

	out, err = r1.Syscall(ctx, nil, protocol.SyscallGetAllPipes, nil)
	require.NoError(t, err)
	assert.Len(t, out.([]protocol.PipeInfo), 1)

	out, err = r1.Syscall(ctx, nil, protocol.SyscallGetLocalDevice, nil)
	require.NoError(t, err)
	assert.Equal(t, "r1", out.(protocol.Device).Hostname)

	got := make(chan string, 1)
	sub, err := c.bus.Subscribe("news", func(_ context.Context, msg pubsub.Message) { got <- string(msg.Payload) })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	payload, _ := json.Marshal(protocol.PublishRequest{Topic: "news", Payload: "extra"})
	_, err = r1.Syscall(ctx, nil, protocol.SyscallPublish, payload)
	require.NoError(t, err)
	select {
	case msg := <-got:
		assert.Equal(t, "extra", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("publish syscall did not deliver")
	}

	_, err = r1.Syscall(ctx, nil, "reboot", nil)
	require.ErrorContains(t, err, "unknown syscall")
}

func TestMigrationRestoresOnTarget(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	r2 := c.runtime(t, "r2")
	require.NoError(t, r1.Start(context.Background()))
	require.NoError(t, r2.Start(context.Background()))

	info, err := r1.StartAgent(context.Background(), protocol.AgentSpec{
		ID: "a1", Name: "counter", Language: protocol.LanguageGo, Source: counterSource, Migratable: true,
	})
	require.NoError(t, err)

	a, ok := r1.Agent(info.ID)
	require.True(t, ok)
	require.NoError(t, a.Migrate(context.Background(), "r2"))

	status, reason := a.Status()
	assert.Equal(t, agent.StatusExited, status)
	assert.Equal(t, agent.ExitMigrate, reason)
	eventually(t, func() bool { _, ok := r1.Agent("a1"); return !ok })

	eventually(t, func() bool {
		moved, ok := r2.Agent("a1")
		if !ok {
			return false
		}
		status, _ := moved.Status()
		return status == agent.StatusRunning
	})
}

func TestLeaveIsIdempotentAndStopsServing(t *testing.T) {
	c := newCluster(t)
	r1 := c.runtime(t, "r1")
	require.NoError(t, r1.Start(context.Background()))

	require.NoError(t, r1.Leave(context.Background()))
	require.NoError(t, r1.Leave(context.Background()))
	assert.True(t, r1.Leaving())

	_, err := r1.StartPipe(protocol.PipeSpec{ID: "p", Source: "a", Sink: "b"})
	require.ErrorIs(t, err, ErrLeaving)
	assert.Zero(t, c.bus.Subscribers(protocol.InputTopic("r1")))
}
