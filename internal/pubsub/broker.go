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

// Wire operations between Client and Broker.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opMessage     = "msg"
)

// frame is one CBOR item on a broker connection.
type frame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

// Broker relays frames between TCP clients. Routing is delegated to an
// in-memory Bus, so per-(topic, subscriber) order carries over the
// network.
type Broker struct {
	logger *slog.Logger
	ln     net.Listener
	bus    *Bus

	mu     sync.Mutex
	conns  map[*brokerConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen opens a broker on addr ("host:port"; port 0 picks a free one).
func Listen(addr string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("broker listen %s: %w", addr, err)
	}
	return &Broker{
		logger: logger,
		ln:     ln,
		bus:    NewBus(logger),
		conns:  make(map[*brokerConn]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (b *Broker) Addr() string { return b.ln.Addr().String() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (b *Broker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	b.logger.Info("broker listening", "addr", b.Addr())
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("broker accept: %w", err)
		}

		c := &brokerConn{broker: b, conn: conn, enc: codec.NewEncoder(conn), subs: make(map[string]Subscription)}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return nil
		}
		b.conns[c] = struct{}{}
		b.wg.Add(1)
		b.mu.Unlock()

		go c.serve()
	}
}

// Close stops accepting, drops every connection and waits for their
// goroutines.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	err := b.ln.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	b.wg.Wait()
	b.bus.Close()
	return err
}

type brokerConn struct {
	broker *Broker
	conn   net.Conn

	encMu sync.Mutex
	enc   *codec.Encoder

	subs map[string]Subscription
}

func (c *brokerConn) serve() {
	log := c.broker.logger.With("remote", c.conn.RemoteAddr().String())
	defer func() {
		for _, sub := range c.subs {
			sub.Unsubscribe()
		}
		c.conn.Close()
		c.broker.mu.Lock()
		delete(c.broker.conns, c)
		c.broker.mu.Unlock()
		c.broker.wg.Done()
		log.Debug("broker connection closed")
	}()

	dec := codec.NewDecoder(c.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("broker read failed", "error", err)
			}
			return
		}

		switch f.Op {
		case opSubscribe:
			if _, ok := c.subs[f.Topic]; ok {
				continue
			}
			topic := f.Topic
			sub, err := c.broker.bus.Subscribe(topic, func(_ context.Context, msg Message) {
				if err := c.write(frame{Op: opMessage, Topic: msg.Topic, Payload: msg.Payload}); err != nil {
					log.Debug("broker write failed", "topic", msg.Topic, "error", err)
				}
			})
			if err != nil {
				return
			}
			c.subs[topic] = sub
		case opUnsubscribe:
			if sub, ok := c.subs[f.Topic]; ok {
				sub.Unsubscribe()
				delete(c.subs, f.Topic)
			}
		case opPublish:
			if err := c.broker.bus.Publish(context.Background(), f.Topic, f.Payload); err != nil {
				return
			}
		default:
			log.Warn("unknown broker op", "op", f.Op)
		}
	}
}

func (c *brokerConn) write(f frame) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(f)
}
