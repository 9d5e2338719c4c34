package collector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/omv"
)

// bootDrift is how far a newly derived boot time must move before the
// published value changes. Uptime is reported in whole seconds and
// sampled at slightly different moments, so the derived epoch jitters.
const bootDrift = 5 * time.Second

// System publishes host vitals under prefix/system and registers the
// reboot and shutdown buttons.
type System struct {
	deps Deps

	mu   sync.Mutex
	boot time.Time
}

// NewSystem creates the system collector.
func NewSystem(deps Deps) *System {
	return &System{deps: deps}
}

func (s *System) Name() string { return "system" }

type sensorSpec struct {
	key    string
	name   string
	kind   mqtt.EntityKind
	extra  mqtt.Extra
	expire bool
}

var systemSensors = []sensorSpec{
	{key: "hostname", name: "Hostname", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:server", EntityCategory: "diagnostic"}, expire: true},
	{key: "version", name: "Version", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:tag", EntityCategory: "diagnostic"}, expire: true},
	{key: "kernel", name: "Kernel", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:linux", EntityCategory: "diagnostic"}, expire: true},
	{key: "cpu_model", name: "CPU Model", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:cpu-64-bit", EntityCategory: "diagnostic"}, expire: true},
	{key: "load_1", name: "Load 1m", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:gauge", StateClass: "measurement"}, expire: true},
	{key: "load_5", name: "Load 5m", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:gauge", StateClass: "measurement"}, expire: true},
	{key: "load_15", name: "Load 15m", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:gauge", StateClass: "measurement"}, expire: true},
	{key: "memory", name: "Memory Used", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:memory", Unit: "%", StateClass: "measurement"}, expire: true},
	{key: "cpu_temperature", name: "CPU Temperature", kind: mqtt.KindSensor, extra: mqtt.Extra{Unit: "°C", DeviceClass: "temperature", StateClass: "measurement"}, expire: true},
	{key: "uptime", name: "Boot Time", kind: mqtt.KindSensor, extra: mqtt.Extra{DeviceClass: "timestamp", EntityCategory: "diagnostic"}},
	{key: "update_available", name: "Update Available", kind: mqtt.KindBinarySensor, extra: mqtt.Extra{DeviceClass: "update"}, expire: true},
	{key: "config_dirty", name: "Configuration Pending", kind: mqtt.KindBinarySensor, extra: mqtt.Extra{DeviceClass: "problem", EntityCategory: "diagnostic"}, expire: true},
	{key: "reboot_required", name: "Reboot Required", kind: mqtt.KindBinarySensor, extra: mqtt.Extra{DeviceClass: "problem"}, expire: true},
	{key: "last_refresh", name: "Last Refresh", kind: mqtt.KindSensor, extra: mqtt.Extra{DeviceClass: "timestamp", EntityCategory: "diagnostic"}, expire: true},
}

func (s *System) Collect(ctx context.Context) error {
	var (
		info    *omv.SystemInfo
		temp    float64
		tempErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = s.deps.API.SystemInformation(gctx)
		if err != nil {
			return fmt.Errorf("fetch system information: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// The CpuTemp plugin is optional; a failure only drops the
		// temperature sensor.
		temp, tempErr = s.deps.API.CPUTemperature(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	now := s.deps.now()
	s.deps.Devices.Store(info)
	boot := s.bootTime(now, info.Uptime.Float64())

	tree := mqtt.Branch{
		"hostname":         state(info.Hostname),
		"version":          state(info.Version),
		"kernel":           state(info.Kernel),
		"cpu_model":        state(info.CPUModelName),
		"load_1":           state(formatFloat(info.LoadAverage.One.Float64(), 2)),
		"load_5":           state(formatFloat(info.LoadAverage.Five.Float64(), 2)),
		"load_15":          state(formatFloat(info.LoadAverage.Fifteen.Float64(), 2)),
		"memory":           state(formatFloat(info.MemoryPercent(), 1)),
		"uptime":           state(boot.UTC().Format(time.RFC3339)),
		"update_available": state(onOff(info.PkgUpdatesAvailable)),
		"config_dirty":     state(onOff(info.ConfigDirty)),
		"reboot_required":  state(onOff(info.RebootRequired)),
		"last_refresh":     state(now.UTC().Format(time.RFC3339)),
	}
	if tempErr == nil {
		tree["cpu_temperature"] = state(formatFloat(temp, 1))
	} else {
		s.deps.logger().Debug("cpu temperature unavailable", "error", tempErr)
	}
	s.deps.Publisher.Publish(ctx, "system", tree)

	device := s.deps.Devices.Group("system", "System")
	for _, sensor := range systemSensors {
		if _, ok := tree[sensor.key]; !ok {
			continue
		}
		extra := sensor.extra
		extra.Device = device
		s.deps.Registrar.RegisterSensor(ctx, sensor.kind, "system."+sensor.key, sensor.name, "system/"+sensor.key, extra, sensor.expire)
	}
	s.deps.Registrar.RegisterButton(ctx, "system.reboot", "Reboot", "system/reboot",
		mqtt.Extra{Icon: "mdi:restart", DeviceClass: "restart", Device: device})
	s.deps.Registrar.RegisterButton(ctx, "system.shutdown", "Shutdown", "system/shutdown",
		mqtt.Extra{Icon: "mdi:power", Device: device})

	return nil
}

// bootTime derives the boot instant from the reported uptime. The
// stored value only moves when the new estimate differs by more than
// bootDrift.
func (s *System) bootTime(now time.Time, uptimeSec float64) time.Time {
	candidate := now.Add(-time.Duration(uptimeSec * float64(time.Second))).Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boot.IsZero() {
		s.boot = candidate
		return s.boot
	}
	drift := candidate.Sub(s.boot)
	if drift < 0 {
		drift = -drift
	}
	if drift > bootDrift {
		s.boot = candidate
	}
	return s.boot
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
