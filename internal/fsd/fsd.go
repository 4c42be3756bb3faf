// Package fsd is the filesystem daemon: it serves readFile, writeFile,
// readdir and mkdir on fs:input against a local directory root. Paths
// are slash separated and always relative to the root.
package fsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/fsutil"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/workspace"
)

// MaxFileBytes bounds readFile replies.
const MaxFileBytes = 8 << 20

// Server answers the filesystem verbs.
type Server struct {
	root      string
	transport pubsub.Transport
	ep        *rpc.Endpoint
	logger    *slog.Logger
}

// New creates a server rooted at root. The root is created if missing.
func New(root string, t pubsub.Transport, opts rpc.Options) (*Server, error) {
	if root == "" {
		return nil, errors.New("fsd: root is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ready, err := workspace.IsInitialized(root)
	if err != nil {
		return nil, fmt.Errorf("fsd: %w", err)
	}
	if !ready {
		opts.Logger.Info("initializing filesystem root", "root", root)
		if err := workspace.Initialize(root); err != nil {
			return nil, fmt.Errorf("fsd: %w", err)
		}
	}
	s := &Server{
		root:      root,
		transport: t,
		logger:    opts.Logger.With("root", root),
	}
	s.ep = rpc.New(protocol.FilesystemAddr, protocol.InputTopic(protocol.FilesystemAddr), pubsub.Sender(t), opts)
	s.ep.Handle(protocol.VerbReadFile, s.handle(s.readFile))
	s.ep.Handle(protocol.VerbWriteFile, s.handle(s.writeFile))
	s.ep.Handle(protocol.VerbReaddir, s.handle(s.readdir))
	s.ep.Handle(protocol.VerbMkdir, s.handle(s.mkdir))
	return s, nil
}

// Serve answers requests until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	sub, err := pubsub.Serve(s.transport, s.ep)
	if err != nil {
		return fmt.Errorf("fsd: serve: %w", err)
	}
	s.logger.Info("filesystem daemon serving")
	<-ctx.Done()
	sub.Unsubscribe()
	s.ep.Close()
	return nil
}

func (s *Server) handle(fn func(protocol.FileRequest) (any, error)) rpc.Handler {
	return func(_ context.Context, req *protocol.Request) (any, error) {
		fr, err := rpc.Decode[protocol.FileRequest](req)
		if err != nil {
			return nil, err
		}
		if fr.Path == "" {
			return nil, fmt.Errorf("%s: path is required", req.Verb)
		}
		out, err := fn(fr)
		if err != nil {
			s.logger.Debug("filesystem request failed", "verb", req.Verb, "path", fr.Path, "error", err)
		}
		return out, err
	}
}

func (s *Server) readFile(fr protocol.FileRequest) (any, error) {
	data, err := fsutil.ReadFileLimited(s.root, fr.Path, MaxFileBytes)
	if err != nil {
		return nil, err
	}
	return protocol.FileContent{Path: fr.Path, Data: data, Checksum: checksum.Bytes(data)}, nil
}

func (s *Server) writeFile(fr protocol.FileRequest) (any, error) {
	if _, err := fsutil.WriteFileWithin(s.root, fr.Path, fr.Data); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) readdir(fr protocol.FileRequest) (any, error) {
	dir, err := fsutil.ResolveWithin(s.root, fr.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", fr.Path, err)
	}
	out := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		entry := protocol.DirEntry{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Server) mkdir(fr protocol.FileRequest) (any, error) {
	dir, err := fsutil.ResolveWithin(s.root, fr.Path)
	if err != nil {
		return nil, err
	}
	if fr.Parents {
		err = os.MkdirAll(dir, 0o755)
	} else {
		err = os.Mkdir(dir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", fr.Path, err)
	}
	return nil, nil
}
