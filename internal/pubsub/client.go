package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/iambrandonn/roam/internal/codec"
)

// Client is a Transport backed by a remote Broker. Local fan-out to
// multiple handlers on the same topic goes through an in-process Bus;
// the broker sees one subscription per topic.
type Client struct {
	logger *slog.Logger
	conn   net.Conn
	local  *Bus

	encMu sync.Mutex
	enc   *codec.Encoder

	mu     sync.Mutex
	refs   map[string]int
	closed bool

	done chan struct{}
}

// Dial connects to a broker.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}
	c := &Client{
		logger: logger,
		conn:   conn,
		local:  NewBus(logger),
		enc:    codec.NewEncoder(conn),
		refs:   make(map[string]int),
		done:   make(chan struct{}),
	}
	go c.read()
	return c, nil
}

// Done is closed when the broker connection is lost or the client closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	return c.write(frame{Op: opPublish, Topic: topic, Payload: payload})
}

func (c *Client) Subscribe(topic string, h Handler) (Subscription, error) {
	inner, err := c.local.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.refs[topic]++
	first := c.refs[topic] == 1
	c.mu.Unlock()

	if first {
		if err := c.write(frame{Op: opSubscribe, Topic: topic}); err != nil {
			inner.Unsubscribe()
			c.release(topic)
			return nil, err
		}
	}
	return &clientSub{client: c, topic: topic, inner: inner}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	c.local.Close()
	return err
}

func (c *Client) write(f frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("broker %s %s: %w", f.Op, f.Topic, err)
	}
	return nil
}

func (c *Client) release(topic string) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[topic]--
	if c.refs[topic] <= 0 {
		delete(c.refs, topic)
		return true
	}
	return false
}

func (c *Client) read() {
	defer close(c.done)
	dec := codec.NewDecoder(c.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("broker connection lost", "error", err)
			}
			return
		}
		if f.Op != opMessage {
			continue
		}
		_ = c.local.Publish(context.Background(), f.Topic, f.Payload)
	}
}

type clientSub struct {
	client *Client
	topic  string
	inner  Subscription
	once   sync.Once
}

func (s *clientSub) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		if s.client.release(s.topic) {
			_ = s.client.write(frame{Op: opUnsubscribe, Topic: s.topic})
		}
	})
}
