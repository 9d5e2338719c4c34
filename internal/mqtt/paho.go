package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// PahoBroker is an MQTT v5 transport backed by autopaho.
type PahoBroker struct {
	cfg       BrokerConfig
	logger    *slog.Logger
	router    *router
	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewPahoBroker creates a broker but does not connect. Call
// [PahoBroker.Start].
func NewPahoBroker(cfg BrokerConfig, logger *slog.Logger) *PahoBroker {
	limit, interval := cfg.inbound()
	return &PahoBroker{
		cfg:    cfg,
		logger: logger,
		router: newRouter(limit, interval, logger),
	}
}

// Start creates the connection manager. autopaho keeps reconnecting in
// the background until ctx is cancelled or Stop is called.
func (b *PahoBroker) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	// autopaho only knows mqtt/tls/ws schemes.
	switch strings.ToLower(brokerURL.Scheme) {
	case "mqtts", "ssl":
		brokerURL.Scheme = "tls"
	case "tcp":
		brokerURL.Scheme = "mqtt"
	}
	username, password := b.cfg.Username, b.cfg.Password
	if brokerURL.User != nil {
		if username == "" {
			username = brokerURL.User.Username()
		}
		if p, ok := brokerURL.User.Password(); ok && password == "" {
			password = p
		}
		brokerURL.User = nil
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               username,
		ConnectPassword:               []byte(password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.connected.Store(true)
			b.logger.Info("mqtt connected to broker", "broker", redactURL(b.cfg.URL))
			b.publishAvailability(ctx, cm, "online")
			b.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.connected.Store(false)
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.router.dispatch(Message{
						Topic:    pr.Packet.Topic,
						Payload:  pr.Packet.Payload,
						Retained: pr.Packet.Retain,
					})
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.connected.Store(false)
				b.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.connected.Store(false)
				b.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
		},
	}
	if b.cfg.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   b.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}
	if brokerURL.Scheme == "tls" || brokerURL.Scheme == "wss" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	go b.router.limiter.start(ctx)
	return nil
}

// Connected reports whether the last connection event was a success.
func (b *PahoBroker) Connected() bool {
	return b.cm != nil && b.connected.Load()
}

// Publish sends one message. QoS 0 publishes return as soon as the
// packet is written.
func (b *PahoBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe records the route and, when connected, subscribes
// immediately. Otherwise the subscription is sent on the next connect.
func (b *PahoBroker) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	b.router.add(topic, qos, h)
	if !b.Connected() {
		return nil
	}
	if _, err := b.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	}); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	b.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires. Used by connwatch health probes.
func (b *PahoBroker) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// Stop publishes "offline" and closes the connection. The provided
// context bounds both steps.
func (b *PahoBroker) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	if b.Connected() {
		b.publishAvailability(ctx, b.cm, "offline")
	}
	b.connected.Store(false)
	return b.cm.Disconnect(ctx)
}

func (b *PahoBroker) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if b.cfg.AvailabilityTopic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   b.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *PahoBroker) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := b.router.filters()
	if len(filters) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: b.router.qos(f)})
	}
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topics", filters, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topics", filters)
}

// redactURL strips userinfo from a broker URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
