package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/omvbridge/internal/omv"
)

func systemInfo() *omv.SystemInfo {
	return &omv.SystemInfo{
		Hostname:            "nas",
		Version:             "7.4.2-1 (Sandworm)",
		Kernel:              "Linux 6.1.0-18-amd64",
		CPUModelName:        "Intel(R) Celeron(R) J4125",
		Uptime:              3600,
		LoadAverage:         omv.LoadAverage{One: 0.5, Five: 0.25, Fifteen: 0.1},
		MemTotal:            8000,
		MemUsed:             2000,
		PkgUpdatesAvailable: true,
	}
}

func TestSystem_Collect(t *testing.T) {
	h := newHarness(&fakeAPI{info: systemInfo(), temp: 41.5})
	s := NewSystem(h.deps)

	if err := s.Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	want := map[string]string{
		"omv/system/hostname/state":         "nas",
		"omv/system/version/state":          "7.4.2-1 (Sandworm)",
		"omv/system/load_1/state":           "0.50",
		"omv/system/load_15/state":          "0.10",
		"omv/system/memory/state":           "25.0",
		"omv/system/cpu_temperature/state":  "41.5",
		"omv/system/uptime/state":           "2026-03-01T11:00:00Z",
		"omv/system/update_available/state": "ON",
		"omv/system/reboot_required/state":  "OFF",
		"omv/system/last_refresh/state":     "2026-03-01T12:00:00Z",
	}
	for topic, v := range want {
		if got := h.value(t, topic); got != v {
			t.Errorf("%s = %q, want %q", topic, got, v)
		}
	}

	d := h.descriptor(t, "homeassistant/sensor/omv/system_hostname/config")
	if d["expire_after"] != float64(150) {
		t.Errorf("hostname expire_after = %v, want 150", d["expire_after"])
	}
	if _, ok := d["json_attr_t"]; ok {
		t.Errorf("hostname json_attr_t = %v, but no attributes are published", d["json_attr_t"])
	}
	device, _ := d["device"].(map[string]any)
	if device["sw_version"] != "7.4.2-1 (Sandworm)" {
		t.Errorf("device sw_version = %v", device["sw_version"])
	}

	boot := h.descriptor(t, "homeassistant/sensor/omv/system_uptime/config")
	if _, ok := boot["expire_after"]; ok {
		t.Error("boot time sensor must not expire")
	}

	d = h.descriptor(t, "homeassistant/binary_sensor/omv/system_update_available/config")
	if d["device_class"] != "update" {
		t.Errorf("update_available device_class = %v", d["device_class"])
	}

	for _, btn := range []string{"reboot", "shutdown"} {
		d := h.descriptor(t, "homeassistant/button/omv/system_"+btn+"/config")
		if d["command_topic"] != "omv/system/"+btn {
			t.Errorf("%s command_topic = %v", btn, d["command_topic"])
		}
	}

	if g := h.deps.Devices.Group("services", "Services"); g.SWVersion != "7.4.2-1 (Sandworm)" {
		t.Errorf("Devices not updated by system poll: SWVersion = %q", g.SWVersion)
	}
}

func TestSystem_TemperatureUnavailable(t *testing.T) {
	h := newHarness(&fakeAPI{info: systemInfo(), tempErr: errors.New("no such service")})

	if err := NewSystem(h.deps).Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v, want nil", err)
	}
	if h.published("omv/system/cpu_temperature/state") {
		t.Error("cpu_temperature published without a reading")
	}
	if h.published("homeassistant/sensor/omv/system_cpu_temperature/config") {
		t.Error("cpu_temperature registered without a reading")
	}
	if got := h.value(t, "omv/system/hostname/state"); got != "nas" {
		t.Errorf("hostname = %q", got)
	}
}

func TestSystem_InfoError(t *testing.T) {
	h := newHarness(&fakeAPI{infoErr: errors.New("boom")})
	if err := NewSystem(h.deps).Collect(context.Background()); err == nil {
		t.Fatal("Collect() error = nil, want error")
	}
	if n := len(h.broker.Messages()); n != 0 {
		t.Errorf("published %d messages on error", n)
	}
}

func TestSystem_BootTimeDrift(t *testing.T) {
	h := newHarness(&fakeAPI{info: systemInfo()})
	s := NewSystem(h.deps)
	ctx := context.Background()

	_ = s.Collect(ctx)
	first := h.value(t, "omv/system/uptime/state")

	// 30s later with uptime lagging 3s: jitter is ignored.
	h.clock.Advance(30 * time.Second)
	h.api.mu.Lock()
	h.api.info.Uptime = 3600 + 27
	h.api.mu.Unlock()
	_ = s.Collect(ctx)
	if got := h.value(t, "omv/system/uptime/state"); got != first {
		t.Errorf("boot time moved on jitter: %s -> %s", first, got)
	}

	// Uptime reset: the appliance rebooted.
	h.clock.Advance(30 * time.Second)
	h.api.mu.Lock()
	h.api.info.Uptime = 60
	h.api.mu.Unlock()
	_ = s.Collect(ctx)
	if got := h.value(t, "omv/system/uptime/state"); got != "2026-03-01T12:00:00Z" {
		t.Errorf("boot time after reboot = %s, want 2026-03-01T12:00:00Z", got)
	}
}
