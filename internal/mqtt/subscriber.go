package mqtt

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type route struct {
	qos     byte
	handler Handler
}

// router holds topic subscriptions and dispatches inbound messages to
// them. Brokers embed one so subscriptions can be replayed after a
// reconnect.
type router struct {
	mu      sync.RWMutex
	routes  map[string]route
	limiter *messageRateLimiter
	logger  *slog.Logger
}

func newRouter(limit int64, interval time.Duration, logger *slog.Logger) *router {
	return &router{
		routes:  make(map[string]route),
		limiter: newMessageRateLimiter(limit, interval, logger),
		logger:  logger,
	}
}

func (r *router) add(filter string, qos byte, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[filter] = route{qos: qos, handler: h}
}

// filters returns the registered filters in stable order.
func (r *router) filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.routes))
}

func (r *router) qos(filter string) byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[filter].qos
}

// dispatch delivers one inbound message to every matching handler.
func (r *router) dispatch(msg Message) {
	if !r.limiter.allow() {
		return
	}

	r.mu.RLock()
	var handlers []Handler
	for filter, rt := range r.routes {
		if topicMatches(filter, msg.Topic) {
			handlers = append(handlers, rt.handler)
		}
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("mqtt message without handler",
			"topic", msg.Topic,
			"payload_size", len(msg.Payload),
		)
		return
	}

	r.logger.Debug("mqtt message received",
		"topic", msg.Topic,
		"payload_size", len(msg.Payload),
		"retained", msg.Retained,
	)
	for _, h := range handlers {
		h(msg)
	}
}

// topicMatches reports whether topic matches an MQTT filter with the
// "+" and "#" wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped in the window.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
