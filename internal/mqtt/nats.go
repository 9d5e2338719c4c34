package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker carries the topic model over NATS. Topic levels map to
// subject tokens ("omv/system/reboot" becomes "omv.system.reboot").
// NATS has no retained messages or QoS levels; both are ignored.
type NATSBroker struct {
	cfg    BrokerConfig
	logger *slog.Logger
	router *router

	mu   sync.Mutex
	nc   *nats.Conn
	subs map[string]*nats.Subscription
}

// NewNATSBroker creates a broker but does not connect.
func NewNATSBroker(cfg BrokerConfig, logger *slog.Logger) *NATSBroker {
	limit, interval := cfg.inbound()
	return &NATSBroker{
		cfg:    cfg,
		logger: logger,
		router: newRouter(limit, interval, logger),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Start connects with unlimited reconnects. An unreachable server at
// startup is not an error; the client keeps retrying.
func (b *NATSBroker) Start(ctx context.Context) error {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse nats URL: %w", err)
	}
	username, password := b.cfg.Username, b.cfg.Password
	if u.User != nil {
		if username == "" {
			username = u.User.Username()
		}
		if p, ok := u.User.Password(); ok && password == "" {
			password = p
		}
		u.User = nil
	}

	opts := []nats.Option{
		nats.Name(b.cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats connected", "server", nc.ConnectedUrlRedacted())
			b.publishAvailability(nc, "online")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "server", nc.ConnectedUrlRedacted())
			b.publishAvailability(nc, "online")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
	}
	if username != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}

	nc, err := nats.Connect(u.String(), opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()

	for _, f := range b.router.filters() {
		if err := b.subscribe(f); err != nil {
			b.logger.Warn("nats subscribe failed", "topic", f, "error", err)
		}
	}

	go b.router.limiter.start(ctx)
	return nil
}

func (b *NATSBroker) conn() *nats.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc
}

// Connected reports whether the NATS connection is up.
func (b *NATSBroker) Connected() bool {
	nc := b.conn()
	return nc != nil && nc.IsConnected()
}

// Publish sends payload on the subject derived from topic.
func (b *NATSBroker) Publish(_ context.Context, topic string, payload []byte, _ bool, _ byte) error {
	nc := b.conn()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if err := nc.Publish(subjectFor(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe records the route and subscribes when a connection
// exists. The nats client replays subscriptions after reconnects.
func (b *NATSBroker) Subscribe(_ context.Context, topic string, qos byte, h Handler) error {
	b.router.add(topic, qos, h)
	if b.conn() == nil {
		return nil
	}
	return b.subscribe(topic)
}

func (b *NATSBroker) subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	sub, err := b.nc.Subscribe(subjectFor(topic), func(m *nats.Msg) {
		b.router.dispatch(Message{Topic: topicFor(m.Subject), Payload: m.Data})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	b.subs[topic] = sub
	b.logger.Info("nats subscribed", "subject", sub.Subject)
	return nil
}

// AwaitConnection polls until connected or ctx is done.
func (b *NATSBroker) AwaitConnection(ctx context.Context) error {
	if b.conn() == nil {
		return fmt.Errorf("nats broker not started")
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !b.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop publishes "offline", then drains and closes the connection.
func (b *NATSBroker) Stop(ctx context.Context) error {
	nc := b.conn()
	if nc == nil {
		return nil
	}
	b.publishAvailability(nc, "offline")
	if err := nc.FlushWithContext(ctx); err != nil {
		b.logger.Debug("nats flush before drain failed", "error", err)
	}
	return nc.Drain()
}

func (b *NATSBroker) publishAvailability(nc *nats.Conn, status string) {
	if b.cfg.AvailabilityTopic == "" {
		return
	}
	if err := nc.Publish(subjectFor(b.cfg.AvailabilityTopic), []byte(status)); err != nil {
		b.logger.Warn("nats availability publish failed", "status", status, "error", err)
	}
}

// levelEscaper rewrites characters that NATS treats as token
// separators or forbids inside a subject token.
var levelEscaper = strings.NewReplacer(".", "_", " ", "_", "\t", "_")

// subjectFor maps MQTT topic syntax to a NATS subject, including the
// "+" and "#" wildcards. A "." inside one topic level (a VLAN interface
// such as eth0.100) becomes "_" so the level stays one token.
func subjectFor(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		default:
			parts[i] = levelEscaper.Replace(p)
		}
	}
	return strings.Join(parts, ".")
}

func topicFor(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
