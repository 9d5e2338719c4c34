// Package collector turns appliance resources into published values
// and discovery descriptors. There is one collector per resource
// family: services, system, networks and disks. Collectors are
// independent; the poller runs them concurrently every cycle and
// handles their errors.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/omv"
)

// API is the subset of the appliance client the collectors use.
// *omv.Client satisfies it.
type API interface {
	ServiceStatus(ctx context.Context) ([]omv.Service, error)
	SystemInformation(ctx context.Context) (*omv.SystemInfo, error)
	CPUTemperature(ctx context.Context) (float64, error)
	NetworkDevices(ctx context.Context) ([]omv.NetworkDevice, error)
	DiskDevices(ctx context.Context) ([]omv.Disk, error)
	SmartDevices(ctx context.Context) ([]omv.SmartDevice, error)
	Filesystems(ctx context.Context) ([]omv.Filesystem, error)
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Collector fetches one resource family and publishes it.
type Collector interface {
	Name() string
	Collect(ctx context.Context) error
}

// Deps are the collaborators shared by every collector.
type Deps struct {
	API       API
	Publisher *mqtt.Publisher
	Registrar *mqtt.Registrar
	Devices   *Devices
	Logger    *slog.Logger

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// state wraps a value as the "state" child of an entity path.
func state(v string) mqtt.Node {
	return mqtt.Branch{"state": mqtt.Leaf(v)}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
