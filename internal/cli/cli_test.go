package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/eventlog"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/scheduler"
	"github.com/iambrandonn/roam/internal/snapshot"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.go"), []byte("package main\n\nfunc Run() {}\n"), 0o600))
	path := filepath.Join(dir, "counter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: counter
source_file: counter.go
migratable: true
args: [--every, 1s]
runtime: "*"
`), 0o600))

	m, err := loadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "counter", m.Name)
	assert.Equal(t, protocol.LanguageGo, m.Language)
	assert.Equal(t, "package main\n\nfunc Run() {}\n", m.Source)
	assert.True(t, m.Migratable)
	assert.Equal(t, []string{"--every", "1s"}, m.Args)
	assert.Equal(t, protocol.Wildcard, m.Runtime)
}

func TestSpecFromFlagsDefaultsToMigratable(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "run"}
		addSpecFlags(cmd)
		cmd.Flags().String("runtime", "", "")
		require.NoError(t, cmd.Flags().Parse(args))
		return cmd
	}

	spec, _, err := specFromFlags(newCmd("--name", "counter", "--path", "/agents/counter.go", "--arg", "a", "--arg", "b"))
	require.NoError(t, err)
	assert.True(t, spec.Migratable)
	assert.Equal(t, []string{"a", "b"}, spec.Args)

	spec, _, err = specFromFlags(newCmd("--name", "counter", "--path", "/agents/counter.go", "--migratable=false"))
	require.NoError(t, err)
	assert.False(t, spec.Migratable)
}

func TestLoadManifestProgramAndErrors(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "fs.yaml")
	require.NoError(t, os.WriteFile(program, []byte("name: extra-fs\nprogram: fs\nargs: [--root, /tmp/x]\n"), 0o600))
	m, err := loadManifest(program)
	require.NoError(t, err)
	assert.Equal(t, protocol.LanguageProgram, m.Language)
	assert.True(t, m.Migratable, "agents are migratable unless pinned")

	pinned := filepath.Join(dir, "pinned.yaml")
	require.NoError(t, os.WriteFile(pinned, []byte("name: pinned\npath: agents/a.go\nmigratable: false\n"), 0o600))
	m, err = loadManifest(pinned)
	require.NoError(t, err)
	assert.False(t, m.Migratable)

	nameless := filepath.Join(dir, "nameless.yaml")
	require.NoError(t, os.WriteFile(nameless, []byte("path: agents/a.go\n"), 0o600))
	_, err = loadManifest(nameless)
	require.ErrorIs(t, err, protocol.ErrMissingName)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: [unterminated\n"), 0o600))
	_, err = loadManifest(broken)
	require.ErrorContains(t, err, "failed to parse manifest")
}

func TestWriteReply(t *testing.T) {
	raw := json.RawMessage(`{"id":"a1","status":"running"}`)

	var yamlOut bytes.Buffer
	require.NoError(t, writeReply(&yamlOut, "yaml", raw))
	assert.Equal(t, "id: a1\nstatus: running\n", yamlOut.String())

	var jsonOut bytes.Buffer
	require.NoError(t, writeReply(&jsonOut, "json", raw))
	assert.Equal(t, "{\n  \"id\": \"a1\",\n  \"status\": \"running\"\n}\n", jsonOut.String())

	require.ErrorContains(t, writeReply(&jsonOut, "xml", raw), "unknown output format")
}

func testSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Meta: snapshot.Meta{URI: "roam://r1/a1", Filename: "counter.go", Agent: "a1", Runtime: "r1"},
		Tree: &snapshot.Scope{
			ID: "0",
			Refs: map[string]*snapshot.Value{
				"count": {Type: snapshot.KindPrimitive, GoType: "int", Value: json.RawMessage("3")},
			},
			Hoisted: []string{"count"},
			Children: map[string]*snapshot.Scope{
				"1": {ID: "1", Params: map[string]*snapshot.Value{
					"n": {Type: snapshot.KindPrimitive, GoType: "int", Value: json.RawMessage("5")},
				}},
			},
		},
		Timers: map[string]snapshot.Timer{},
	}
}

func TestSnapshotInspectAndCodegen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a1.snap")
	require.NoError(t, snapshot.Save(testSnapshot(), path))

	out, err := execute(t, "snapshot", "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "id:       snap-")
	assert.Contains(t, out, "agent:    a1")
	assert.Contains(t, out, "  0 params=0 refs=1 objects=0 hoisted=1\n")
	assert.Contains(t, out, "    1 params=1 refs=0 objects=0 hoisted=0\n")
	assert.Contains(t, out, "timers:   0")

	out, err = execute(t, "snapshot", "codegen", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "// Code generated by roam"), out)
	assert.Contains(t, out, "\npackage main\n")

	_, err = execute(t, "snapshot", "inspect", filepath.Join(t.TempDir(), "missing.snap"))
	require.ErrorContains(t, err, "failed to read snapshot file")
}

func TestSnapshotInspectVerifiesChecksum(t *testing.T) {
	t.Cleanup(func() { resetFlag(snapshotInspectCmd, "checksum") })
	path := filepath.Join(t.TempDir(), "a1.snap")
	require.NoError(t, snapshot.Save(testSnapshot(), path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	digest := checksum.Bytes(raw)

	out, err := execute(t, "snapshot", "inspect", "--checksum", digest, path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "file:     "+digest+"\n"), out)

	resetFlag(snapshotInspectCmd, "checksum")
	_, err = execute(t, "snapshot", "inspect", "--checksum", checksum.Bytes([]byte("other")), path)
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestJournalCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	log, err := eventlog.NewEventLog(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, log.WriteRequest(&protocol.Request{
		Kind: protocol.MessageKindRequest, Sender: "scheduler", RequestID: "req-answered", ReplyTo: "scheduler:input", Verb: protocol.VerbStartAgent,
	}))
	require.NoError(t, log.WriteResponse(&protocol.Response{
		Kind: protocol.MessageKindResponse, Sender: "r1", ResponseID: "req-answered", Result: protocol.ResultOkay,
	}))
	require.NoError(t, log.WriteRequest(&protocol.Request{
		Kind: protocol.MessageKindRequest, Sender: "ctl-1", RequestID: "req-lost", ReplyTo: "ctl-1:input", Verb: protocol.VerbKillAgent,
	}))
	require.NoError(t, log.WriteMembership(&protocol.MembershipMessage{
		Kind: protocol.MessageKindMembership, Type: protocol.MembershipLeave, Sender: "r2",
	}))
	require.NoError(t, log.Close())

	out, err := execute(t, "journal", path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"[scheduler] start_agent (call req-answ)",
		"[r1] okay req-answ",
		"[ctl-1] kill_agent (call req-lost)",
		"[r2] leave",
	}, "\n")+"\n", out)

	t.Cleanup(func() { resetFlag(journalCmd, "unanswered") })
	out, err = execute(t, "journal", "--unanswered", path)
	require.NoError(t, err)
	assert.Equal(t, "[ctl-1] kill_agent (call req-lost)\n", out)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roam.toml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	_, err = execute(t, "config", "init", path)
	require.ErrorContains(t, err, "already exists")

	t.Cleanup(func() { resetFlag(rootCmd, "config") })
	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[scheduler]")
	assert.Contains(t, out, "balance_interval = '30s'")
}

func TestCtlTalksToSchedulerOverBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker, err := pubsub.Listen("127.0.0.1:0", logging.Discard())
	require.NoError(t, err)
	go func() { _ = broker.Serve(ctx) }()
	t.Cleanup(func() { _ = broker.Close() })

	client, err := pubsub.Dial(ctx, broker.Addr(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sched, err := scheduler.New(scheduler.Config{Transport: client, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)
	require.NoError(t, sched.Store().Put(protocol.Deployment{
		ID:      "dep-0123456789abcdef",
		Spec:    protocol.AgentSpec{Name: "logger", Language: protocol.LanguageProgram, Program: "idle"},
		Runtime: protocol.Wildcard,
	}))

	t.Cleanup(func() {
		for _, name := range []string{"broker", "timeout", "output"} {
			resetFlag(ctlCmd, name)
		}
	})
	var out string
	require.Eventually(t, func() bool {
		out, err = execute(t, "ctl", "deployments", "--broker", broker.Addr(), "--timeout", "250ms", "-o", "json")
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	var deps []protocol.Deployment
	require.NoError(t, json.Unmarshal([]byte(out), &deps))
	require.Len(t, deps, 1)
	assert.Equal(t, "logger", deps[0].Spec.Name)

	out, err = execute(t, "ctl", "withdraw", "nope", "--broker", broker.Addr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown deployment nope")
	assert.Empty(t, out)
}
