package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// PublisherConfig holds the state-topic settings.
type PublisherConfig struct {
	// Prefix is the first topic level of every state topic.
	Prefix string
	Retain bool
	QoS    byte
}

// Publisher flattens value trees into prefixed topics and hands them
// to a [Broker]. Publishing is fire-and-forget: failures are logged
// and the value is dropped.
type Publisher struct {
	broker Broker
	cfg    PublisherConfig
	logger *slog.Logger
}

// NewPublisher creates a Publisher on top of broker.
func NewPublisher(broker Broker, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Publisher{broker: broker, cfg: cfg, logger: logger}
}

// Prefix returns the configured topic prefix.
func (p *Publisher) Prefix() string {
	return p.cfg.Prefix
}

// Topic returns the full topic for a path relative to the prefix.
func (p *Publisher) Topic(path string) string {
	return joinPath(p.cfg.Prefix, strings.Trim(path, "/"))
}

// AvailabilityTopic is where the broker announces online/offline.
func (p *Publisher) AvailabilityTopic() string {
	return p.Topic("availability")
}

// Connected reports the broker connection state.
func (p *Publisher) Connected() bool {
	return p.broker.Connected()
}

// Publish emits every leaf of n below path. A [Leaf] goes straight to
// prefix/path; a [Branch] fans out to prefix/path/key recursively.
// While the broker is disconnected the whole tree is dropped with one
// logged error.
func (p *Publisher) Publish(ctx context.Context, path string, n Node) {
	entries := Flatten(strings.Trim(path, "/"), n)
	if len(entries) == 0 {
		return
	}
	if !p.broker.Connected() {
		p.logger.Error("mqtt client not connected, dropping publish",
			"path", path, "topics", len(entries))
		return
	}

	for _, e := range entries {
		topic := p.Topic(e.Path)
		err := p.broker.Publish(ctx, topic, []byte(e.Value), p.cfg.Retain, p.cfg.QoS)
		if errors.Is(err, ErrNotConnected) {
			p.logger.Error("mqtt client not connected, dropping publish", "topic", topic)
			return
		}
		if err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			continue
		}
		p.logger.Log(ctx, levelTrace, "mqtt published", "topic", topic, "value", e.Value)
	}
}

// PublishTopic sends payload to an absolute topic, bypassing the
// prefix. Discovery descriptors use this with retain forced on.
func (p *Publisher) PublishTopic(ctx context.Context, topic string, payload []byte, retain bool) {
	err := p.broker.Publish(ctx, topic, payload, retain, p.cfg.QoS)
	switch {
	case errors.Is(err, ErrNotConnected):
		p.logger.Debug("mqtt client not connected, dropping publish", "topic", topic)
	case err != nil:
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	default:
		p.logger.Log(ctx, levelTrace, "mqtt published", "topic", topic, "bytes", len(payload))
	}
}

// Subscribe registers h for prefix/path.
func (p *Publisher) Subscribe(ctx context.Context, path string, h Handler) error {
	return p.broker.Subscribe(ctx, p.Topic(path), p.cfg.QoS, h)
}

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)
