// Package session tracks whether the bridge holds a live appliance
// session and decides when a fresh login is due.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how long a successful login is trusted before
// the next EnsureLoggedIn logs in again.
const DefaultInterval = 5 * time.Minute

// Loginer performs the actual login call. *omv.Client satisfies it.
type Loginer interface {
	Login(ctx context.Context) error
}

// State is a point-in-time view of the session for status reporting.
type State struct {
	Authenticated bool      `json:"authenticated"`
	LastLogin     time.Time `json:"last_login,omitzero"`
	Logins        int       `json:"logins"`
	Failures      int       `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
}

// Manager serializes logins. Concurrent callers of EnsureLoggedIn
// wait for one another, so at most one login is in flight.
type Manager struct {
	login    Loginer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	authenticated bool
	since         time.Time
	logins        int
	failures      int
	lastErr       error
}

// New creates a Manager. A non-positive interval selects
// DefaultInterval.
func New(login Loginer, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		login:    login,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureLoggedIn logs in when there is no session or the last
// successful login is more than one interval old. On failure the
// session stays unauthenticated and the login error is returned.
func (m *Manager) EnsureLoggedIn(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.authenticated && now.Sub(m.since) <= m.interval {
		return nil
	}

	if err := m.login.Login(ctx); err != nil {
		m.authenticated = false
		m.failures++
		m.lastErr = err
		m.logger.Warn("appliance login failed", "error", err)
		return err
	}

	if !m.authenticated {
		m.logger.Info("appliance session established")
	} else {
		m.logger.Debug("appliance session refreshed", "age", now.Sub(m.since).Round(time.Second))
	}
	m.authenticated = true
	m.since = now
	m.logins++
	m.lastErr = nil
	return nil
}

// Invalidate forces the next EnsureLoggedIn to log in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authenticated {
		m.logger.Debug("appliance session invalidated")
	}
	m.authenticated = false
}

// State returns a snapshot for the status endpoint.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Authenticated: m.authenticated,
		LastLogin:     m.since,
		Logins:        m.logins,
		Failures:      m.failures,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
