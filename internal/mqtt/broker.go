package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotConnected is returned by a [Broker] publish while the
// transport has no live connection. The message is dropped.
var ErrNotConnected = errors.New("mqtt: not connected")

// Message is one inbound message.
type Message struct {
	Topic   string
	Payload []byte

	// Retained is set when the broker replayed a stored message on
	// subscribe rather than forwarding a live publish.
	Retained bool
}

// Handler receives an inbound message. Implementations must be safe
// for concurrent use.
type Handler func(msg Message)

// Broker is the publish/subscribe transport consumed by [Publisher].
type Broker interface {
	// Start begins connecting in the background. It returns once the
	// connection manager exists, not once connected.
	Start(ctx context.Context) error

	// Connected reports whether a live connection is currently held.
	Connected() bool

	// Publish sends payload to topic. It does not queue: while
	// disconnected it returns ErrNotConnected.
	Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error

	// Subscribe registers h for topic. Subscriptions survive
	// reconnects.
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error

	// AwaitConnection blocks until connected or ctx is done.
	AwaitConnection(ctx context.Context) error

	// Stop publishes "offline" availability and disconnects.
	Stop(ctx context.Context) error
}

// BrokerConfig configures a broker transport.
type BrokerConfig struct {
	// URL is the broker URI. mqtt, mqtts, tcp, ssl, tls, ws and wss
	// schemes select Paho; nats selects NATS.
	URL      string
	Username string
	Password string
	ClientID string

	// AvailabilityTopic receives "online" on every connect and
	// "offline" on shutdown or unexpected disconnect.
	AvailabilityTopic string

	// InboundLimit caps inbound messages per InboundInterval. Excess
	// messages are dropped. Zero selects 60 per minute.
	InboundLimit    int64
	InboundInterval time.Duration
}

// NewBroker returns the transport matching the URL scheme.
func NewBroker(cfg BrokerConfig, logger *slog.Logger) (Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss":
		return NewPahoBroker(cfg, logger), nil
	case "nats":
		return NewNATSBroker(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// ClientID returns a broker client identifier for prefix. Each process
// gets a random suffix so two bridges never kick each other off.
func ClientID(prefix string) string {
	return "omvbridge-" + prefix + "-" + uuid.NewString()[:8]
}

func (c BrokerConfig) inbound() (int64, time.Duration) {
	limit, interval := c.InboundLimit, c.InboundInterval
	if limit <= 0 {
		limit = 60
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return limit, interval
}
