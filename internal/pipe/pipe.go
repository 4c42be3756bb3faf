// Package pipe relays every message published on a source topic to a
// sink topic and counts what it moved.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
)

// ErrLoop is returned for a pipe whose source is its sink.
var ErrLoop = errors.New("pipe: source and sink are the same topic")

// Pipe is one running relay.
type Pipe struct {
	spec      protocol.PipeSpec
	transport pubsub.Transport
	logger    *slog.Logger
	started   time.Time

	messages atomic.Int64
	bytes    atomic.Int64

	mu  sync.Mutex
	sub pubsub.Subscription
}

// Start subscribes to spec.Source and begins relaying.
func Start(t pubsub.Transport, spec protocol.PipeSpec, clk clock.Clock, logger *slog.Logger) (*Pipe, error) {
	switch {
	case spec.ID == "":
		return nil, errors.New("pipe: id is required")
	case spec.Source == "" || spec.Sink == "":
		return nil, fmt.Errorf("pipe %s: source and sink are required", spec.ID)
	case spec.Source == spec.Sink:
		return nil, fmt.Errorf("pipe %s: %w", spec.ID, ErrLoop)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipe{
		spec:      spec,
		transport: t,
		logger:    logger.With("pipe", spec.ID),
		started:   clk.Now().UTC(),
	}
	sub, err := t.Subscribe(spec.Source, p.relay)
	if err != nil {
		return nil, fmt.Errorf("pipe %s: subscribe %s: %w", spec.ID, spec.Source, err)
	}
	p.sub = sub
	p.logger.Debug("pipe started", "source", spec.Source, "sink", spec.Sink)
	return p, nil
}

func (p *Pipe) relay(ctx context.Context, msg pubsub.Message) {
	if err := p.transport.Publish(ctx, p.spec.Sink, msg.Payload); err != nil {
		p.logger.Warn("relay failed", "sink", p.spec.Sink, "error", err)
		return
	}
	p.messages.Add(1)
	p.bytes.Add(int64(len(msg.Payload)))
}

// ID returns the pipe id.
func (p *Pipe) ID() string { return p.spec.ID }

// Info is the public view of the pipe.
func (p *Pipe) Info() protocol.PipeInfo {
	return protocol.PipeInfo{
		ID:     p.spec.ID,
		Source: p.spec.Source,
		Sink:   p.spec.Sink,
		Stats: protocol.PipeStats{
			Messages:  p.messages.Load(),
			Bytes:     p.bytes.Load(),
			StartedAt: p.started,
		},
	}
}

// Close stops relaying. It is safe to call more than once.
func (p *Pipe) Close() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
