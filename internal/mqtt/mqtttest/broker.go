// Package mqtttest provides an in-memory broker for tests.
package mqtttest

import (
	"context"
	"sync"

	"github.com/nugget/omvbridge/internal/mqtt"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
	QoS     byte
}

// Broker records publishes and lets tests inject inbound messages. It
// starts connected.
type Broker struct {
	mu        sync.Mutex
	connected bool
	messages  []Message
	handlers  map[string]mqtt.Handler
	stopped   bool
	// PublishErr, when set, is returned by every Publish.
	PublishErr error
}

var _ mqtt.Broker = (*Broker)(nil)

// New returns a connected Broker.
func New() *Broker {
	return &Broker{connected: true, handlers: make(map[string]mqtt.Handler)}
}

func (b *Broker) Start(context.Context) error { return nil }

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected flips the connection state.
func (b *Broker) SetConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte, retain bool, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.messages = append(b.messages, Message{Topic: topic, Payload: string(payload), Retain: retain, QoS: qos})
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, _ byte, h mqtt.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *Broker) AwaitConnection(ctx context.Context) error {
	if b.Connected() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *Broker) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.connected = false
	return nil
}

// Stopped reports whether Stop was called.
func (b *Broker) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Deliver calls the handler subscribed to exactly topic with a live
// message. It reports whether one existed.
func (b *Broker) Deliver(topic string, payload []byte) bool {
	return b.DeliverMessage(mqtt.Message{Topic: topic, Payload: payload})
}

// DeliverMessage calls the handler subscribed to exactly msg.Topic.
// Use it to simulate retained replays.
func (b *Broker) DeliverMessage(msg mqtt.Message) bool {
	b.mu.Lock()
	h, ok := b.handlers[msg.Topic]
	b.mu.Unlock()
	if ok {
		h(msg)
	}
	return ok
}

// Subscriptions returns the subscribed topics.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		out = append(out, t)
	}
	return out
}

// Messages returns a copy of every recorded publish in order.
func (b *Broker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Last returns the most recent payload published to topic.
func (b *Broker) Last(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Topic == topic {
			return b.messages[i], true
		}
	}
	return Message{}, false
}

// Count returns how many publishes went to topic.
func (b *Broker) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

// Reset clears recorded publishes.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}
