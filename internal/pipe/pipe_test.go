package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
)

func TestPipeRelaysAndCounts(t *testing.T) {
	bus := pubsub.NewBus(logging.Discard())
	defer bus.Close()

	got := make(chan string, 10)
	sub, err := bus.Subscribe("b:stdin", func(_ context.Context, msg pubsub.Message) {
		got <- string(msg.Payload)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	start := time.Unix(1000, 0).UTC()
	p, err := Start(bus, protocol.PipeSpec{ID: "p1", Source: "a:stdout", Sink: "b:stdin"}, clock.Fake(start), logging.Discard())
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "a:stdout", []byte("hello\n")))
	require.NoError(t, bus.Publish(context.Background(), "a:stdout", []byte("world\n")))
	for _, want := range []string{"hello\n", "world\n"} {
		select {
		case line := <-got:
			assert.Equal(t, want, line)
		case <-time.After(5 * time.Second):
			t.Fatal("message not relayed")
		}
	}

	require.Eventually(t, func() bool { return p.Info().Stats.Messages == 2 }, 5*time.Second, 5*time.Millisecond)
	info := p.Info()
	assert.Equal(t, int64(12), info.Stats.Bytes)
	assert.Equal(t, start, info.Stats.StartedAt)
	assert.Equal(t, "a:stdout", info.Source)

	p.Close()
	p.Close()
	require.NoError(t, bus.Publish(context.Background(), "a:stdout", []byte("late\n")))
	select {
	case line := <-got:
		t.Fatalf("closed pipe relayed %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeValidation(t *testing.T) {
	bus := pubsub.NewBus(logging.Discard())
	defer bus.Close()

	_, err := Start(bus, protocol.PipeSpec{ID: "p", Source: "x", Sink: "x"}, nil, nil)
	require.ErrorIs(t, err, ErrLoop)
	_, err = Start(bus, protocol.PipeSpec{Source: "x", Sink: "y"}, nil, nil)
	require.Error(t, err)
	_, err = Start(bus, protocol.PipeSpec{ID: "p", Source: "x"}, nil, nil)
	require.Error(t, err)
}
