package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/eventlog"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/snapshot"
)

func TestRunSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the roam binary")
	}
	repoRoot, err := DetectRepoRoot()
	require.NoError(t, err)

	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "gocache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	t.Setenv("GOCACHE", cacheDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	binary, err := BuildBinary(ctx, repoRoot, filepath.Join(tempDir, "bin"))
	require.NoError(t, err)

	result, err := RunSmoke(ctx, SmokeOptions{
		Binary:       binary,
		WorkspaceDir: filepath.Join(tempDir, "workspace"),
		RuntimeID:    "smoke-1",
	})
	require.NoError(t, err)
	if failed := result.Failed(); failed != nil {
		t.Fatalf("%v\nstdout:%s\nstderr:%s\nruntime log:\n%s", failed.Err, failed.Stdout, failed.Stderr, result.RuntimeLog)
	}

	require.Len(t, result.Runtimes, 1)
	assert.Equal(t, "smoke-1", result.Runtimes[0].ID)
	assert.Equal(t, "smoke-1", result.Agent.Runtime)
	assert.Equal(t, "counter", result.Agent.Name)

	snap, err := snapshot.Load(result.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, result.Agent.ID, snap.Meta.Agent)
	assert.Len(t, snap.Timers, 1)

	inspect := result.Steps[len(result.Steps)-2]
	assert.Equal(t, []string{"snapshot", "inspect", result.SnapshotPath}, inspect.Args)
	assert.Contains(t, inspect.Stdout, "agent:    "+result.Agent.ID)

	j, err := eventlog.Read(result.JournalPath)
	require.NoError(t, err)
	var verbs []string
	for _, entry := range j.Entries {
		if req, ok := entry.(*protocol.Request); ok {
			verbs = append(verbs, req.Verb)
		}
	}
	assert.Contains(t, verbs, protocol.VerbStartAgent)
	assert.True(t, strings.Contains(result.RuntimeLog, "runtime left cluster"), result.RuntimeLog)
}

func TestRunSmokeRequiresBinary(t *testing.T) {
	_, err := RunSmoke(context.Background(), SmokeOptions{})
	require.ErrorContains(t, err, "binary path is required")
}
