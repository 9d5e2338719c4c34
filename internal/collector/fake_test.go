package collector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/mqtt/mqtttest"
	"github.com/nugget/omvbridge/internal/omv"
)

// fakeAPI serves canned appliance data. Any non-nil error field makes
// the matching call fail.
type fakeAPI struct {
	mu sync.Mutex

	services    []omv.Service
	info        *omv.SystemInfo
	temp        float64
	networks    []omv.NetworkDevice
	disks       []omv.Disk
	smart       []omv.SmartDevice
	filesystems []omv.Filesystem

	servicesErr, infoErr, tempErr, networksErr error
	disksErr, smartErr, fsErr                  error
	rebootErr, shutdownErr                     error

	reboots, shutdowns int
}

func (f *fakeAPI) ServiceStatus(context.Context) ([]omv.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services, f.servicesErr
}

func (f *fakeAPI) SystemInformation(context.Context) (*omv.SystemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := *f.info
	return &info, nil
}

func (f *fakeAPI) CPUTemperature(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temp, f.tempErr
}

func (f *fakeAPI) NetworkDevices(context.Context) ([]omv.NetworkDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]omv.NetworkDevice(nil), f.networks...), f.networksErr
}

func (f *fakeAPI) DiskDevices(context.Context) ([]omv.Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disksErr != nil {
		return nil, f.disksErr
	}
	return f.disks, nil
}

func (f *fakeAPI) SmartDevices(context.Context) ([]omv.SmartDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.smartErr != nil {
		return nil, f.smartErr
	}
	return f.smart, nil
}

func (f *fakeAPI) Filesystems(context.Context) ([]omv.Filesystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fsErr != nil {
		return nil, f.fsErr
	}
	return f.filesystems, nil
}

func (f *fakeAPI) Reboot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reboots++
	return f.rebootErr
}

func (f *fakeAPI) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return f.shutdownErr
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	api    *fakeAPI
	broker *mqtttest.Broker
	clock  *clock
	deps   Deps
}

func newHarness(api *fakeAPI) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := mqtttest.New()
	pub := mqtt.NewPublisher(b, mqtt.PublisherConfig{Prefix: "omv", Retain: true}, logger)
	reg := mqtt.NewRegistrar(pub, mqtt.RegistrarConfig{
		Enabled:         true,
		DiscoveryPrefix: "homeassistant",
		ScanInterval:    30 * time.Second,
	}, logger)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &harness{
		api:    api,
		broker: b,
		clock:  c,
		deps: Deps{
			API:       api,
			Publisher: pub,
			Registrar: reg,
			Devices:   NewDevices("omv", "http://nas.local"),
			Logger:    logger,
			Now:       c.Now,
		},
	}
}

// value returns the last payload on topic, failing the test if none.
func (h *harness) value(t *testing.T, topic string) string {
	t.Helper()
	m, ok := h.broker.Last(topic)
	if !ok {
		t.Fatalf("nothing published to %s", topic)
	}
	return m.Payload
}

func (h *harness) descriptor(t *testing.T, topic string) map[string]any {
	t.Helper()
	var d map[string]any
	if err := json.Unmarshal([]byte(h.value(t, topic)), &d); err != nil {
		t.Fatalf("descriptor on %s is not JSON: %v", topic, err)
	}
	return d
}

func (h *harness) published(topic string) bool {
	_, ok := h.broker.Last(topic)
	return ok
}
