// Package pubsub is the topic transport every runtime, agent and daemon
// talks over. Delivery preserves order per (topic, subscriber); there is
// no ordering across topics or publishers and no redelivery.
package pubsub

import (
	"context"
	"errors"

	"github.com/iambrandonn/roam/internal/rpc"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("pubsub: transport closed")

// Message is one delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes messages for one subscription. Calls for a given
// subscription never overlap.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active registration.
type Subscription interface {
	Unsubscribe()
}

// Transport publishes and subscribes by topic name.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Sender adapts a Transport to rpc.Sender: "to" is the topic.
func Sender(t Transport) rpc.Sender {
	return rpc.SenderFunc(func(ctx context.Context, to string, data []byte) error {
		return t.Publish(ctx, to, data)
	})
}

// Serve subscribes ep to its inbox topic.
func Serve(t Transport, ep *rpc.Endpoint) (Subscription, error) {
	return t.Subscribe(ep.Inbox(), func(_ context.Context, msg Message) {
		_ = ep.Deliver(msg.Payload)
	})
}
