package fsd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
)

func startServer(t *testing.T) (string, *Client) {
	t.Helper()
	root := t.TempDir()
	bus := pubsub.NewBus(logging.Discard())
	t.Cleanup(func() { bus.Close() })

	srv, err := New(root, bus, rpc.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return bus.Subscribers(protocol.InputTopic(protocol.FilesystemAddr)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	ep := rpc.New("ctl", protocol.InputTopic("ctl"), pubsub.Sender(bus), rpc.Options{Logger: logging.Discard(), Timeout: 5 * time.Second})
	sub, err := pubsub.Serve(bus, ep)
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Unsubscribe()
		ep.Close()
	})
	return root, NewClient(ep)
}

func TestWriteThenRead(t *testing.T) {
	root, c := startServer(t)
	ctx := context.Background()

	require.NoError(t, c.WriteFile(ctx, "/agents/counter.go", []byte("package main\n")))
	onDisk, err := os.ReadFile(filepath.Join(root, "agents", "counter.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(onDisk))

	data, err := c.ReadFile(ctx, "agents/counter.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestReadFilesBatches(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "a.go", []byte("a")))
	require.NoError(t, c.WriteFile(ctx, "b.go", []byte("b")))

	files, err := c.ReadFiles(ctx, []string{"a.go", "b.go", "a.go"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a.go": []byte("a"), "b.go": []byte("b")}, files)

	_, err = c.ReadFiles(ctx, []string{"a.go", "missing.go"})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.VerbReadFile, remote.Verb)
}

func TestMkdirAndReaddir(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	require.Error(t, c.Mkdir(ctx, "x/y", false), "missing parent")
	require.NoError(t, c.Mkdir(ctx, "x/y", true))
	require.NoError(t, c.WriteFile(ctx, "x/file.txt", []byte("12345")))

	entries, err := c.Readdir(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []protocol.DirEntry{
		{Name: "file.txt", Size: 5},
		{Name: "y", Dir: true},
	}, entries)
}

func TestRejectsPathsOutsideRoot(t *testing.T) {
	_, c := startServer(t)
	_, err := c.ReadFile(context.Background(), "../../etc/passwd")
	require.ErrorContains(t, err, "escapes root")

	err = c.WriteFile(context.Background(), "", []byte("x"))
	require.ErrorContains(t, err, "path is required")
}

func TestRootHasWorkspaceLayout(t *testing.T) {
	_, c := startServer(t)
	entries, err := c.Readdir(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, []protocol.DirEntry{
		{Name: "agents", Dir: true},
		{Name: "snapshots", Dir: true},
	}, entries)
}

func TestNewKeepsInitializedRootAndRejectsBrokenLayout(t *testing.T) {
	bus := pubsub.NewBus(logging.Discard())
	t.Cleanup(func() { bus.Close() })

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "agents"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "snapshots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "agents", "counter.go"), []byte("package main\n"), 0o600))
	_, err := New(root, bus, rpc.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "agents", "counter.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	broken := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(broken, "agents"), nil, 0o600))
	_, err = New(broken, bus, rpc.Options{Logger: logging.Discard()})
	require.ErrorContains(t, err, "fsd:")
}
