package collector

import (
	"context"
	"fmt"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/rate"
)

// Networks publishes per-interface link state, addresses and
// throughput under prefix/network/<device>.
type Networks struct {
	deps   Deps
	rates  *rate.Tracker
	expose map[string]bool

	// seen holds the interfaces sampled last cycle. Cycles never
	// overlap, so it needs no lock.
	seen map[string]bool
}

var networkSensors = []sensorSpec{
	{key: "rx", name: "Receive", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:download-network", Unit: "kbit/s", StateClass: "measurement"}},
	{key: "tx", name: "Transmit", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:upload-network", Unit: "kbit/s", StateClass: "measurement"}},
	{key: "link", name: "Link", kind: mqtt.KindBinarySensor, extra: mqtt.Extra{DeviceClass: "connectivity"}},
	{key: "ipv4", name: "IPv4", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:ip-network", EntityCategory: "diagnostic"}},
	{key: "ipv6", name: "IPv6", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:ip-network", EntityCategory: "diagnostic"}},
	{key: "wol", name: "Wake on LAN", kind: mqtt.KindBinarySensor, extra: mqtt.Extra{Icon: "mdi:lan-pending", EntityCategory: "diagnostic"}},
	{key: "ssid", name: "SSID", kind: mqtt.KindSensor, extra: mqtt.Extra{Icon: "mdi:wifi"}},
}

// NewNetworks creates the network collector. Only interfaces named in
// expose are published; an empty list publishes every interface.
func NewNetworks(deps Deps, rates *rate.Tracker, expose []string) *Networks {
	if rates == nil {
		rates = rate.NewTracker()
	}
	allow := make(map[string]bool, len(expose))
	for _, name := range expose {
		allow[name] = true
	}
	return &Networks{deps: deps, rates: rates, expose: allow}
}

func (n *Networks) Name() string { return "networks" }

func (n *Networks) exposed(device string) bool {
	return len(n.expose) == 0 || n.expose[device]
}

func (n *Networks) Collect(ctx context.Context) error {
	devices, err := n.deps.API.NetworkDevices(ctx)
	if err != nil {
		return fmt.Errorf("fetch network devices: %w", err)
	}

	now := n.deps.now()
	published := 0
	current := make(map[string]bool, len(devices))
	for _, dev := range devices {
		name := dev.DeviceName
		if name == "" || !n.exposed(name) {
			continue
		}
		current[name] = true

		rx, tx := n.rates.Sample(name, dev.Stats.RxPackets.Uint64(), dev.Stats.TxPackets.Uint64(), now)
		tree := mqtt.Branch{
			"rx":   state(rate.Format(rx)),
			"tx":   state(rate.Format(tx)),
			"link": state(onOff(dev.Link)),
			"wol":  state(onOff(dev.WOL)),
		}
		if dev.Address != "" {
			tree["ipv4"] = state(dev.Address)
		}
		if dev.Address6 != "" {
			tree["ipv6"] = state(dev.Address6)
		}
		if dev.IsWireless() {
			tree["ssid"] = state(dev.SSID)
		}
		path := "network/" + name
		n.deps.Publisher.Publish(ctx, path, tree)

		group := n.deps.Devices.Group("network."+name, "Network "+name)
		id := "network." + name
		for _, sensor := range networkSensors {
			if _, ok := tree[sensor.key]; !ok {
				continue
			}
			extra := sensor.extra
			extra.Device = group
			n.deps.Registrar.RegisterSensor(ctx, sensor.kind, id+"."+sensor.key, name+" "+sensor.name, path+"/"+sensor.key, extra, true)
		}
		published++
	}

	// Interfaces that disappeared (unplugged USB NICs, removed VLANs)
	// start over from a fresh sample if they come back.
	for name := range n.seen {
		if !current[name] {
			n.rates.Forget(name)
		}
	}
	n.seen = current

	n.deps.logger().Debug("network interfaces published",
		"count", published,
		"reported", len(devices),
		"tracked", n.rates.Len(),
	)
	return nil
}
