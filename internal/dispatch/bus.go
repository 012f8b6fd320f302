// Package dispatch implements the Horizontal Dispatcher (C12): worker
// discovery over a pub/sub bus, four routing strategies, a per-worker
// circuit breaker, and TTL-backed session affinity.
//
// The bus abstraction is grounded on internal/telemetry/events's Bus
// interface (Publish/Subscribe/Unsubscribe/Stats over bounded per-
// subscriber channels), generalized from an in-process fan-out to
// github.com/nats-io/nats.go subjects. Only the worker registration and
// heartbeat subjects are used; requests reach a selected worker through
// the Dispatcher's WorkerCall, not over the bus. nats.go is carried from
// the pack's flyingrobots-go-redis-work-queue go.mod.
package dispatch

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Bus is the pub/sub transport the Registry learns worker registrations
// and heartbeats from.
type Bus interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string, handler func(subject string, payload []byte)) (Subscription, error)
}

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// NatsBus adapts a *nats.Conn to the Bus interface.
type NatsBus struct {
	conn *nats.Conn
}

// NewNatsBus wraps an already-connected *nats.Conn.
func NewNatsBus(conn *nats.Conn) *NatsBus {
	return &NatsBus{conn: conn}
}

func (b *NatsBus) Publish(subject string, payload []byte) error {
	return b.conn.Publish(subject, payload)
}

func (b *NatsBus) Subscribe(subject string, handler func(subject string, payload []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// publishJSON marshals v and publishes it to subject.
func publishJSON(b Bus, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(subject, payload)
}

const (
	subjectHeartbeat = "inferunner.worker.heartbeat"
	subjectRegister  = "inferunner.worker.register"
	subjectRequest   = "inferunner.dispatch.request."
)
