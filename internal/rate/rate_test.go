package rate

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSample_FirstSampleSeeds(t *testing.T) {
	tr := NewTracker()
	rx, tx := tr.Sample("eth0", 1000, 2000, t0)
	if rx != 0 || tx != 0 {
		t.Errorf("first Sample() = (%v, %v), want (0, 0)", rx, tx)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}

func TestSample_Rate(t *testing.T) {
	tr := NewTracker()
	tr.Sample("eth0", 0, 0, t0)
	rx, tx := tr.Sample("eth0", 1000, 500, t0.Add(2*time.Second))

	if got := Format(rx); got != "4.00" {
		t.Errorf("rx = %s, want 4.00", got)
	}
	if got := Format(tx); got != "2.00" {
		t.Errorf("tx = %s, want 2.00", got)
	}
}

func TestSample_DevicesIndependent(t *testing.T) {
	tr := NewTracker()
	tr.Sample("eth0", 0, 0, t0)
	tr.Sample("eth1", 5000, 5000, t0)

	rx, _ := tr.Sample("eth0", 1000, 0, t0.Add(time.Second))
	if Format(rx) != "8.00" {
		t.Errorf("eth0 rx = %v, want 8", rx)
	}
	rx, _ = tr.Sample("eth1", 5000, 5000, t0.Add(time.Second))
	if rx != 0 {
		t.Errorf("eth1 rx = %v, want 0", rx)
	}
}

func TestSample_NonPositiveElapsed(t *testing.T) {
	tr := NewTracker()
	tr.Sample("eth0", 0, 0, t0)

	rx, tx := tr.Sample("eth0", 1000, 1000, t0)
	if rx != 0 || tx != 0 {
		t.Errorf("zero elapsed Sample() = (%v, %v), want (0, 0)", rx, tx)
	}

	// The zero-elapsed sample still replaced the stored one.
	rx, _ = tr.Sample("eth0", 2000, 1000, t0.Add(time.Second))
	if Format(rx) != "8.00" {
		t.Errorf("rx after replace = %v, want 8", rx)
	}

	rx, _ = tr.Sample("eth0", 3000, 1000, t0)
	if rx != 0 {
		t.Errorf("backwards clock rx = %v, want 0", rx)
	}
}

func TestSample_CounterReset(t *testing.T) {
	tr := NewTracker()
	tr.Sample("eth0", 10_000, 10_000, t0)
	rx, tx := tr.Sample("eth0", 100, 20_000, t0.Add(time.Second))
	if rx != 0 {
		t.Errorf("rx after reset = %v, want 0", rx)
	}
	if Format(tx) != "80.00" {
		t.Errorf("tx = %v, want 80", tx)
	}
}

func TestForget(t *testing.T) {
	tr := NewTracker()
	tr.Sample("eth0", 0, 0, t0)
	tr.Forget("eth0")
	rx, _ := tr.Sample("eth0", 1000, 0, t0.Add(time.Second))
	if rx != 0 {
		t.Errorf("Sample() after Forget = %v, want seed", rx)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00"},
		{4, "4.00"},
		{1.005, "1.00"},
		{123.456, "123.46"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
