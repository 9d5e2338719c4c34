// Package poller drives the fetch cycle: make sure the appliance
// session is valid, run every collector concurrently, wait for all of
// them, sleep, repeat.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/omvbridge/internal/collector"
	"github.com/nugget/omvbridge/internal/omv"
)

// Session is the login policy consumed by the poller.
// *session.Manager satisfies it.
type Session interface {
	EnsureLoggedIn(ctx context.Context) error
	Invalidate()
}

// Config configures a Poller.
type Config struct {
	Session    Session
	Collectors []collector.Collector

	// Interval is the sleep between the end of one cycle and the start
	// of the next.
	Interval time.Duration

	Logger *slog.Logger
}

// CollectorResult is the outcome of one collector in one cycle.
type CollectorResult struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	// SessionRejected is set when the appliance no longer accepted the
	// session cookie.
	SessionRejected bool `json:"session_rejected,omitempty"`
}

// Report summarizes a cycle.
type Report struct {
	Tick       int                        `json:"tick"`
	Started    time.Time                  `json:"started"`
	Duration   time.Duration              `json:"duration_ns"`
	LoginError string                     `json:"login_error,omitempty"`
	Collectors map[string]CollectorResult `json:"collectors,omitempty"`
}

// Poller runs cycles at a fixed cadence. Cycles never overlap: the
// sleep starts only after every collector has returned.
type Poller struct {
	cfg Config

	mu   sync.Mutex
	tick int
	last *Report
}

// New creates a Poller.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Poller{cfg: cfg}
}

// Start runs cycles until ctx is cancelled. It blocks. Neither login
// nor collector failures stop the loop.
func (p *Poller) Start(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.Cycle(ctx)
		timer.Reset(p.cfg.Interval)
	}
}

// Cycle runs one poll cycle and returns its report. A login failure
// skips every collector; a collector failure invalidates the session
// so the next cycle logs in again.
func (p *Poller) Cycle(ctx context.Context) Report {
	p.mu.Lock()
	p.tick++
	report := Report{Tick: p.tick, Started: time.Now()}
	p.mu.Unlock()

	log := p.cfg.Logger.With("tick", report.Tick)
	log.Debug("poll cycle start")

	if err := p.cfg.Session.EnsureLoggedIn(ctx); err != nil {
		report.LoginError = err.Error()
		report.Duration = time.Since(report.Started)
		log.Error("login failed, skipping poll cycle", "error", err)
		p.store(report)
		return report
	}

	results := make([]CollectorResult, len(p.cfg.Collectors))
	var g errgroup.Group
	for i, c := range p.cfg.Collectors {
		g.Go(func() error {
			start := time.Now()
			err := c.Collect(ctx)
			results[i] = CollectorResult{OK: err == nil, Duration: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
				results[i].SessionRejected = omv.IsAuthError(err)
				log.Error("collector failed",
					"collector", c.Name(),
					"session_rejected", results[i].SessionRejected,
					"error", err,
				)
				p.cfg.Session.Invalidate()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Collectors = make(map[string]CollectorResult, len(results))
	failed := 0
	for i, c := range p.cfg.Collectors {
		report.Collectors[c.Name()] = results[i]
		if !results[i].OK {
			failed++
		}
	}
	report.Duration = time.Since(report.Started)
	p.store(report)

	log.Info("poll cycle complete",
		"collectors", len(results),
		"failed", failed,
		"elapsed", report.Duration.Round(time.Millisecond),
	)
	return report
}

func (p *Poller) store(r Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &r
}

// LastCycle returns the most recent report, or false before the first
// cycle completes.
func (p *Poller) LastCycle() (Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Report{}, false
	}
	return *p.last, true
}
