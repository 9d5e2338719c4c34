// Package connwatch watches the reachability of the bridge's two
// dependencies, the appliance and the message broker.
//
// Each Watcher runs one probe loop. After a failed probe the next one
// is scheduled with exponential backoff (2s, 4s, ... capped at 60s);
// after a successful probe it waits the steady poll interval. Up/down
// transitions are logged once and reported through OnChange.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Check returns nil when the dependency is reachable.
type Check func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the wait after the first failure (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps backoff growth (default 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each consecutive failure
	// (default 2).
	Multiplier float64
	// PollInterval is the wait after a successful probe (default 60s).
	PollInterval time.Duration
	// Timeout bounds a single probe (default 10s).
	Timeout time.Duration
}

// DefaultSchedule returns the production probe timing.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		PollInterval: 60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// next returns the delay before the probe following failures
// consecutive failures. Zero failures means the steady interval.
func (s Schedule) next(failures int) time.Duration {
	if failures == 0 {
		return s.PollInterval
	}
	d := float64(s.InitialDelay)
	for range failures - 1 {
		d *= s.Multiplier
		if d >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}
	return time.Duration(d)
}

// WatcherConfig configures one Watcher.
type WatcherConfig struct {
	// Name identifies the dependency in logs and status ("omv", "broker").
	Name     string
	Check    Check
	Schedule Schedule

	// OnChange is called on every up/down transition, including the
	// first successful probe. It runs on the watcher goroutine and must
	// not block. Optional.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// Health is a point-in-time view of one dependency.
type Health struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	Since               time.Time `json:"since,omitzero"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher probes one dependency until its context ends.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	health Health
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health.Ready
}

// Health returns the current health snapshot.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

// Stop ends the probe loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	log := w.cfg.Logger.With("dependency", w.cfg.Name)
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		changed, failures := w.record(err)

		switch {
		case changed && err == nil:
			log.Info("dependency reachable")
		case changed:
			log.Warn("dependency unreachable", "error", err)
		case err != nil:
			log.Debug("dependency still unreachable", "failures", failures, "error", err)
		}
		if changed && w.cfg.OnChange != nil {
			w.cfg.OnChange(err == nil, err)
		}

		if !sleep(ctx, w.cfg.Schedule.next(failures)) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.Timeout)
	defer cancel()
	return w.cfg.Check(ctx)
}

// record stores a probe outcome and reports whether readiness changed.
// The first failure counts as a change only when the dependency was
// previously up; a watcher starts down.
func (w *Watcher) record(err error) (changed bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.health.LastCheck = now
	ready := err == nil
	if ready {
		w.health.LastError = ""
		w.health.ConsecutiveFailures = 0
	} else {
		w.health.LastError = err.Error()
		w.health.ConsecutiveFailures++
	}
	changed = ready != w.health.Ready || (!ready && w.health.Since.IsZero())
	if changed {
		w.health.Ready = ready
		w.health.Since = now
	}
	return changed, w.health.ConsecutiveFailures
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics on an empty name or nil check.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: WatcherConfig.Check must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		health: Health{Name: cfg.Name},
	}

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		old.cancel()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Ready reports whether the named watcher exists and is up.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.Ready()
}

// Status returns every watcher's health, ordered by name.
func (m *Manager) Status() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.watchers))
	for _, name := range slices.Sorted(maps.Keys(m.watchers)) {
		out = append(out, m.watchers[name].Health())
	}
	return out
}

// Stop stops every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := slices.Collect(maps.Values(m.watchers))
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
