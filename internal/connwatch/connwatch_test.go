package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		PollInterval: 2 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedule_Next(t *testing.T) {
	s := DefaultSchedule()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := s.next(tt.failures); got != tt.want {
			t.Errorf("next(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestSchedule_WithDefaults(t *testing.T) {
	got := Schedule{PollInterval: time.Second}.withDefaults()
	if got.PollInterval != time.Second {
		t.Errorf("PollInterval overwritten: %v", got.PollInterval)
	}
	if got.InitialDelay != 2*time.Second || got.Multiplier != 2 || got.Timeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_ReadyImmediately(t *testing.T) {
	m := NewManager(discard())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:     "omv",
		Check:    func(context.Context) error { return nil },
		Schedule: fastSchedule(),
	})
	defer m.Stop()

	eventually(t, w.Ready, "watcher never became ready")
	if !m.Ready("omv") {
		t.Error("Manager.Ready(omv) = false")
	}
	if m.Ready("broker") {
		t.Error("Manager.Ready(broker) = true for unknown watcher")
	}
}

func TestWatcher_Transitions(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	var mu sync.Mutex
	var events []bool

	m := NewManager(discard())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "broker",
		Check: func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
		Schedule: fastSchedule(),
		OnChange: func(ready bool, _ error) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ready)
		},
	})
	defer m.Stop()

	eventually(t, func() bool { return w.Health().ConsecutiveFailures >= 2 }, "no repeated failures")
	if h := w.Health(); h.Ready || h.LastError != "connection refused" {
		t.Errorf("Health() = %+v", h)
	}

	failing.Store(false)
	eventually(t, w.Ready, "watcher never recovered")

	failing.Store(true)
	eventually(t, func() bool { return !w.Ready() }, "watcher never went down")

	mu.Lock()
	got := append([]bool(nil), events...)
	mu.Unlock()
	want := []bool{false, true, false}
	if len(got) < len(want) {
		t.Fatalf("events = %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want prefix %v", got, want)
		}
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	s := fastSchedule()
	s.Timeout = 5 * time.Millisecond

	m := NewManager(discard())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "slow",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: s,
	})
	defer m.Stop()

	eventually(t, func() bool { return w.Health().LastError != "" }, "probe never timed out")
}

func TestManager_StatusAndStop(t *testing.T) {
	m := NewManager(discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, WatcherConfig{Name: "omv", Check: func(context.Context) error { return nil }, Schedule: fastSchedule()})
	m.Watch(ctx, WatcherConfig{Name: "broker", Check: func(context.Context) error { return errors.New("down") }, Schedule: fastSchedule()})

	eventually(t, func() bool { return m.Ready("omv") }, "omv never ready")

	st := m.Status()
	if len(st) != 2 || st[0].Name != "broker" || st[1].Name != "omv" {
		t.Fatalf("Status() = %+v", st)
	}
	if st[0].Ready {
		t.Error("broker reported ready")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestManager_WatchPanics(t *testing.T) {
	m := NewManager(discard())
	for name, cfg := range map[string]WatcherConfig{
		"empty name": {Check: func(context.Context) error { return nil }},
		"nil check":  {Name: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			m.Watch(context.Background(), cfg)
		})
	}
}
