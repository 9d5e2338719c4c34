// Package rate turns monotonically increasing interface counters into
// per-interval throughput.
package rate

import (
	"fmt"
	"sync"
	"time"
)

type sample struct {
	rx, tx uint64
	at     time.Time
}

// Tracker keeps the previous counter sample per device. It is safe
// for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	prev map[string]sample
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{prev: make(map[string]sample)}
}

// Sample records the counters for device at now and returns the rx
// and tx rates in kbit/s since the previous sample:
// delta * 8 / elapsed seconds / 1000.
//
// The first sample for a device only seeds the tracker and returns
// zero. A non-positive elapsed time also returns zero but still
// replaces the stored sample. A counter that went backwards (reset or
// wrap) counts as a zero delta.
func (t *Tracker) Sample(device string, rx, tx uint64, now time.Time) (rxRate, txRate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.prev[device]
	t.prev[device] = sample{rx: rx, tx: tx, at: now}
	if !ok {
		return 0, 0
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	return perSecond(prev.rx, rx, elapsed), perSecond(prev.tx, tx, elapsed)
}

// Forget drops the stored sample for device.
func (t *Tracker) Forget(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, device)
}

// Len reports how many devices are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prev)
}

func perSecond(prev, cur uint64, elapsed float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / elapsed / 1000
}

// Format renders a rate with two decimals, e.g. "4.00".
func Format(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
