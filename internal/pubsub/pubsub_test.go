package pubsub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records payloads in arrival order.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg.Payload))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, time.Millisecond)
	return c.snapshot()
}

func transports(t *testing.T) map[string]func(t *testing.T) (pub, sub Transport) {
	return map[string]func(t *testing.T) (Transport, Transport){
		"bus": func(t *testing.T) (Transport, Transport) {
			bus := NewBus(quietLogger())
			t.Cleanup(func() { bus.Close() })
			return bus, bus
		},
		"broker": func(t *testing.T) (Transport, Transport) {
			broker, err := Listen("127.0.0.1:0", quietLogger())
			require.NoError(t, err)
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan struct{})
			go func() {
				defer close(served)
				_ = broker.Serve(ctx)
			}()

			a, err := Dial(context.Background(), broker.Addr(), quietLogger())
			require.NoError(t, err)
			b, err := Dial(context.Background(), broker.Addr(), quietLogger())
			require.NoError(t, err)
			t.Cleanup(func() {
				a.Close()
				b.Close()
				cancel()
				<-served
			})
			return a, b
		},
	}
}

func TestPerSubscriberOrder(t *testing.T) {
	for name, setup := range transports(t) {
		t.Run(name, func(t *testing.T) {
			pub, sub := setup(t)
			var got collector
			s, err := sub.Subscribe("a1:stdout", got.handle)
			require.NoError(t, err)
			defer s.Unsubscribe()
			settle(t, pub, sub, "a1:stdout", &got)

			var want []string
			for i := 0; i < 100; i++ {
				msg := fmt.Sprintf("line %d", i)
				want = append(want, msg)
				require.NoError(t, pub.Publish(context.Background(), "a1:stdout", []byte(msg)))
			}
			assert.Equal(t, want, got.waitFor(t, 100))
		})
	}
}

// settle waits until a subscription made over the network is live, by
// publishing probes until one arrives, then forgets the probes.
func settle(t *testing.T, pub, _ Transport, topic string, c *collector) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = pub.Publish(context.Background(), topic, []byte("probe"))
		return len(c.snapshot()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

func TestFanOutAndUnsubscribe(t *testing.T) {
	for name, setup := range transports(t) {
		t.Run(name, func(t *testing.T) {
			pub, sub := setup(t)
			var first, second collector
			s1, err := sub.Subscribe("members", first.handle)
			require.NoError(t, err)
			s2, err := sub.Subscribe("members", second.handle)
			require.NoError(t, err)
			settle(t, pub, sub, "members", &first)
			second.waitFor(t, 1)
			second.mu.Lock()
			second.msgs = nil
			second.mu.Unlock()

			require.NoError(t, pub.Publish(context.Background(), "members", []byte("join")))
			assert.Equal(t, []string{"join"}, first.waitFor(t, 1))
			assert.Equal(t, []string{"join"}, second.waitFor(t, 1))

			s1.Unsubscribe()
			require.NoError(t, pub.Publish(context.Background(), "members", []byte("update")))
			assert.Equal(t, []string{"join", "update"}, second.waitFor(t, 2))
			assert.Equal(t, []string{"join"}, first.snapshot())
			s2.Unsubscribe()
		})
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(quietLogger())
	defer bus.Close()
	require.NoError(t, bus.Publish(context.Background(), "nobody", []byte("x")))
	assert.Zero(t, bus.Subscribers("nobody"))
}

func TestBusClose(t *testing.T) {
	bus := NewBus(quietLogger())
	_, err := bus.Subscribe("t", func(context.Context, Message) {})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.Publish(context.Background(), "t", nil), ErrClosed)
	_, err = bus.Subscribe("t", func(context.Context, Message) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestBusPayloadIsCopied(t *testing.T) {
	bus := NewBus(quietLogger())
	defer bus.Close()
	var got collector
	_, err := bus.Subscribe("t", got.handle)
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, bus.Publish(context.Background(), "t", payload))
	copy(payload, "mutated!")
	assert.Equal(t, []string{"original"}, got.waitFor(t, 1))
}

func TestBusHandlerPanicDoesNotKillSubscription(t *testing.T) {
	bus := NewBus(quietLogger())
	defer bus.Close()
	var got collector
	_, err := bus.Subscribe("t", func(ctx context.Context, msg Message) {
		if string(msg.Payload) == "bad" {
			panic("boom")
		}
		got.handle(ctx, msg)
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "t", []byte("bad")))
	require.NoError(t, bus.Publish(context.Background(), "t", []byte("good")))
	assert.Equal(t, []string{"good"}, got.waitFor(t, 1))
}

func TestRPCOverTransport(t *testing.T) {
	for name, setup := range transports(t) {
		t.Run(name, func(t *testing.T) {
			left, right := setup(t)
			a := rpc.New("rt-a", protocol.InputTopic("rt-a"), Sender(left), rpc.Options{Logger: quietLogger()})
			b := rpc.New("rt-b", protocol.InputTopic("rt-b"), Sender(right), rpc.Options{Logger: quietLogger()})
			defer a.Close()
			defer b.Close()

			sa, err := Serve(left, a)
			require.NoError(t, err)
			defer sa.Unsubscribe()
			sb, err := Serve(right, b)
			require.NoError(t, err)
			defer sb.Unsubscribe()

			b.Handle(protocol.VerbGetSummary, func(context.Context, *protocol.Request) (any, error) {
				return protocol.Summary{ID: "rt-b"}, nil
			})

			var summary protocol.Summary
			require.Eventually(t, func() bool {
				ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
				defer cancel()
				return a.CallInto(ctx, protocol.InputTopic("rt-b"), protocol.VerbGetSummary, nil, &summary) == nil
			}, 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, "rt-b", summary.ID)
		})
	}
}
