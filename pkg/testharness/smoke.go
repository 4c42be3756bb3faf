package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/config"
	"github.com/iambrandonn/roam/internal/fsutil"
	"github.com/iambrandonn/roam/internal/protocol"
)

// SmokeAgentSource is the agent the smoke run starts. It ticks every
// 50ms so a snapshot always has a live interval to capture.
const SmokeAgentSource = `package main

import "roam/sys"

func Run() {
	root := sys.Root()
	count := 0
	root.Ref("count", func() any { return count })
	tick := root.Callback("func() { count++ }", func() { count++ })
	sys.SetInterval(tick, 50)
}
`

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Binary       string
	WorkspaceDir string
	RuntimeID    string
	Env          map[string]string
	// Wait bounds how long the cluster gets to come up.
	Wait time.Duration
}

// Step is one roam invocation of a smoke run.
type Step struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

// SmokeResult captures the outcome of a smoke run.
type SmokeResult struct {
	Workspace    string
	ConfigPath   string
	JournalPath  string
	SnapshotPath string
	Agent        protocol.AgentInfo
	Runtimes     []protocol.Summary
	Steps        []Step
	BrokerLog    string
	RuntimeLog   string
}

// Failed returns the first failed step, if any.
func (r *SmokeResult) Failed() *Step {
	for i := range r.Steps {
		if r.Steps[i].Err != nil {
			return &r.Steps[i]
		}
	}
	return nil
}

// RunSmoke brings up a broker and one runtime from the roam binary, runs
// an agent through ctl, snapshots it to disk, inspects the archive and
// kills the agent. Errors from individual roam invocations are recorded
// in the result's steps; RunSmoke itself fails only when the cluster
// cannot be started.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("roam binary path is required")
	}
	if opts.RuntimeID == "" {
		opts.RuntimeID = "smoke-1"
	}
	if opts.Wait <= 0 {
		opts.Wait = 20 * time.Second
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "roam-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	addr, err := freeAddr()
	if err != nil {
		return nil, err
	}

	result := &SmokeResult{
		Workspace:    workspace,
		ConfigPath:   filepath.Join(workspace, config.FileName),
		JournalPath:  filepath.Join(workspace, "journal.ndjson"),
		SnapshotPath: filepath.Join(workspace, "counter.snap"),
	}

	cfg := config.GenerateDefault()
	cfg.Runtime.ID = opts.RuntimeID
	cfg.Broker.Address = addr
	cfg.Membership.Heartbeat = 500 * time.Millisecond
	cfg.Membership.Settle = 200 * time.Millisecond
	cfg.Agents.StatsInterval = time.Second
	cfg.Scheduler.ContractsPath = filepath.Join(workspace, "contracts.toml")
	cfg.FS.Root = filepath.Join(workspace, "fs")
	cfg.Journal.Path = result.JournalPath
	cfg.Log.Level = "debug"
	if err := cfg.SaveToFile(result.ConfigPath); err != nil {
		return nil, err
	}
	sourcePath := filepath.Join(workspace, "counter.go")
	if err := fsutil.AtomicWrite(sourcePath, []byte(SmokeAgentSource)); err != nil {
		return nil, err
	}

	env := mergeEnv(os.Environ(), opts.Env)
	broker := startProcess(ctx, opts.Binary, workspace, env, "broker", "--listen", addr)
	if err := broker.err; err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}
	defer func() { result.BrokerLog = broker.stop() }()

	// The runtime dials once, so wait for the broker to accept.
	if err := waitFor(ctx, opts.Wait, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}); err != nil {
		return nil, fmt.Errorf("broker did not come up: %w", err)
	}

	runtime := startProcess(ctx, opts.Binary, workspace, env, "runtime", "--config", result.ConfigPath)
	if err := runtime.err; err != nil {
		return nil, fmt.Errorf("failed to start runtime: %w", err)
	}
	defer func() { result.RuntimeLog = runtime.stop() }()

	ctl := func(args ...string) Step {
		full := append([]string{"ctl", "--broker", addr, "--timeout", "2s", "-o", "json"}, args...)
		step := runStep(ctx, opts.Binary, workspace, env, full...)
		result.Steps = append(result.Steps, step)
		return step
	}

	// The scheduler daemon answers once the runtime has settled.
	err = waitFor(ctx, opts.Wait, func() bool {
		step := runStep(ctx, opts.Binary, workspace, env, "ctl", "--broker", addr, "--timeout", "500ms", "-o", "json", "runtimes")
		if step.Err != nil {
			return false
		}
		var runtimes []protocol.Summary
		if json.Unmarshal([]byte(step.Stdout), &runtimes) != nil {
			return false
		}
		for _, s := range runtimes {
			if s.ID == opts.RuntimeID {
				result.Runtimes = runtimes
				return true
			}
		}
		return false
	})
	if err != nil {
		return result, fmt.Errorf("scheduler did not list runtime %s: %w", opts.RuntimeID, err)
	}

	run := ctl("run", "--name", "counter", "--source-file", sourcePath, "--migratable")
	if run.Err != nil {
		return result, nil
	}
	if err := json.Unmarshal([]byte(run.Stdout), &result.Agent); err != nil {
		run.Err = fmt.Errorf("decode run reply: %w", err)
		result.Steps[len(result.Steps)-1] = run
		return result, nil
	}

	// Give the interval a few fires before capturing it.
	time.Sleep(200 * time.Millisecond)
	if step := ctl("snapshot", result.Agent.ID, "--save", result.SnapshotPath); step.Err != nil {
		return result, nil
	}
	result.Steps = append(result.Steps, runStep(ctx, opts.Binary, workspace, env, "snapshot", "inspect", result.SnapshotPath))
	ctl("kill", result.Agent.ID)
	return result, nil
}

type process struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	done   chan struct{}
	err    error
}

func startProcess(ctx context.Context, binary, dir string, env []string, args ...string) *process {
	p := &process{output: &lockedBuffer{}, done: make(chan struct{})}
	p.cmd = exec.CommandContext(ctx, binary, args...)
	p.cmd.Dir = dir
	p.cmd.Env = env
	p.cmd.Stdout = p.output
	p.cmd.Stderr = p.output
	if p.err = p.cmd.Start(); p.err != nil {
		close(p.done)
		return p
	}
	go func() {
		_ = p.cmd.Wait()
		close(p.done)
	}()
	return p
}

// stop interrupts the process, kills it if it does not exit in time and
// returns everything it wrote.
func (p *process) stop() string {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.done:
		case <-time.After(10 * time.Second):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
	return p.output.String()
}

func runStep(ctx context.Context, binary, dir string, env []string, args ...string) Step {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("roam %s: %w", strings.Join(args, " "), err)
	}
	return Step{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

func waitFor(ctx context.Context, limit time.Duration, cond func() bool) error {
	deadline := time.Now().Add(limit)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// freeAddr reserves a loopback port and releases it for the broker.
func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to reserve a port: %w", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
