package collector

import (
	"strings"
	"sync/atomic"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/omv"
)

const deviceModel = "Open Media Vault"

// Devices builds Home Assistant device groups. It holds the last
// system information fetched so every group reports the appliance
// software version as of the moment it is built.
type Devices struct {
	prefix    string
	configURL string
	last      atomic.Pointer[omv.SystemInfo]
}

// NewDevices creates a device group builder for a topic prefix.
// configURL becomes the device page link in Home Assistant.
func NewDevices(prefix, configURL string) *Devices {
	return &Devices{prefix: prefix, configURL: configURL}
}

// Store records the latest system information.
func (d *Devices) Store(info *omv.SystemInfo) {
	if info != nil {
		d.last.Store(info)
	}
}

// Group returns the device block for one domain, e.g.
// Group("services", "Services").
func (d *Devices) Group(id, name string) *mqtt.DeviceInfo {
	dev := &mqtt.DeviceInfo{
		Identifiers:      []string{d.prefix + "." + id},
		Name:             strings.ToUpper(d.prefix) + " - " + name,
		Model:            deviceModel,
		ConfigurationURL: d.configURL,
	}
	if info := d.last.Load(); info != nil {
		dev.SWVersion = info.Version
	}
	return dev
}
