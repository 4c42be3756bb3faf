package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-memory Transport. Each subscription owns a queue drained
// by its own goroutine, so a slow handler delays only itself.
type Bus struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

type subscriber struct {
	bus     *Bus
	topic   string
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

// Publish enqueues a copy of payload for every current subscriber of
// topic. Publishing to a topic nobody listens on is not an error.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		data := make([]byte, len(payload))
		copy(data, payload)
		s.enqueue(Message{Topic: topic, Payload: data})
	}
	return nil
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h Handler) (Subscription, error) {
	s := &subscriber{bus: b, topic: topic, handler: h}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][s] = struct{}{}

	b.wg.Add(1)
	go s.run()
	return s, nil
}

// Subscribers reports how many subscriptions topic has.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close stops every subscription and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscriber
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]map[*subscriber]struct{})
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
	return nil
}

func (s *subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	if set := s.bus.topics[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
}

func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer s.bus.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

func (s *subscriber) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("subscriber panic", "topic", msg.Topic, "panic", r)
		}
	}()
	s.handler(s.bus.ctx, msg)
}
