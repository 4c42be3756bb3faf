package fsd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
)

// fetchLimit bounds concurrent reads in ReadFiles.
const fetchLimit = 8

// Client calls the filesystem daemon through an endpoint whose inbox is
// already served.
type Client struct {
	ep *rpc.Endpoint
}

// NewClient wraps ep.
func NewClient(ep *rpc.Endpoint) *Client {
	return &Client{ep: ep}
}

func (c *Client) addr() string { return protocol.InputTopic(protocol.FilesystemAddr) }

// ReadFile returns the content of path after checking its digest.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var content protocol.FileContent
	if err := c.ep.CallInto(ctx, c.addr(), protocol.VerbReadFile, protocol.FileRequest{Path: path}, &content); err != nil {
		return nil, err
	}
	if err := checksum.Verify(content.Data, content.Checksum); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content.Data, nil
}

// ReadFiles fetches every distinct path concurrently. It fails if any
// read fails.
func (c *Client) ReadFiles(ctx context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		g.Go(func() error {
			data, err := c.ReadFile(gctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			out[p] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFile replaces the content of path.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := c.ep.Call(ctx, c.addr(), protocol.VerbWriteFile, protocol.FileRequest{Path: path, Data: data})
	return err
}

// Readdir lists a directory.
func (c *Client) Readdir(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	var entries []protocol.DirEntry
	err := c.ep.CallInto(ctx, c.addr(), protocol.VerbReaddir, protocol.FileRequest{Path: path}, &entries)
	return entries, err
}

// Mkdir creates a directory; parents creates missing ancestors.
func (c *Client) Mkdir(ctx context.Context, path string, parents bool) error {
	_, err := c.ep.Call(ctx, c.addr(), protocol.VerbMkdir, protocol.FileRequest{Path: path, Parents: parents})
	return err
}
