package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// EntityKind is a Home Assistant MQTT platform.
type EntityKind string

const (
	KindSensor       EntityKind = "sensor"
	KindBinarySensor EntityKind = "binary_sensor"
	KindButton       EntityKind = "button"
)

// PayloadPress is the button payload that triggers a command.
const PayloadPress = "PRESS"

// Descriptor is the discovery config payload for one entity.
type Descriptor struct {
	UniqueID          string      `json:"uniq_id"`
	ObjectID          string      `json:"object_id"`
	Name              string      `json:"name"`
	StateTopic        string      `json:"stat_t,omitempty"`
	AttributesTopic   string      `json:"json_attr_t,omitempty"`
	CommandTopic      string      `json:"command_topic,omitempty"`
	PayloadPress      string      `json:"payload_press,omitempty"`
	AvailabilityTopic string      `json:"avty_t,omitempty"`
	ExpireAfter       int         `json:"expire_after,omitempty"`
	Icon              string      `json:"icon,omitempty"`
	UnitOfMeasurement string      `json:"unit_of_measurement,omitempty"`
	DeviceClass       string      `json:"device_class,omitempty"`
	StateClass        string      `json:"state_class,omitempty"`
	EntityCategory    string      `json:"entity_category,omitempty"`
	Device            *DeviceInfo `json:"device,omitempty"`
}

// Extra carries the caller-supplied descriptor fields.
type Extra struct {
	// Attributes points json_attr_t at statePath/attributes. Set it
	// only when the caller publishes an attributes document there.
	Attributes bool

	Icon           string
	Unit           string
	DeviceClass    string
	StateClass     string
	EntityCategory string
	Device         *DeviceInfo
}

// RegistrarConfig configures discovery.
type RegistrarConfig struct {
	Enabled bool
	// DiscoveryPrefix is the Home Assistant discovery root, usually
	// "homeassistant".
	DiscoveryPrefix string
	// ScanInterval is the poll cadence. Expiring sensors get
	// expire_after = 5 × ScanInterval.
	ScanInterval time.Duration
}

// Registrar publishes discovery descriptors. Identity derives only
// from the state prefix and the entity id, so re-registering every
// cycle overwrites the previous descriptor.
type Registrar struct {
	pub    *Publisher
	cfg    RegistrarConfig
	logger *slog.Logger
}

// NewRegistrar creates a Registrar publishing through pub.
func NewRegistrar(pub *Publisher, cfg RegistrarConfig, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Registrar{pub: pub, cfg: cfg, logger: logger}
}

// ExpireAfter returns the expiry hint in seconds.
func (r *Registrar) ExpireAfter() int {
	return int((5 * r.cfg.ScanInterval).Seconds())
}

// RegisterSensor publishes a sensor or binary_sensor descriptor whose
// state lives at prefix/statePath/state. When expire is set the
// descriptor carries expire_after. While the broker is down the
// descriptor is skipped; the next cycle registers it again.
func (r *Registrar) RegisterSensor(ctx context.Context, kind EntityKind, id, name, statePath string, extra Extra, expire bool) {
	if !r.cfg.Enabled {
		return
	}
	d := r.base(id, name, extra)
	d.StateTopic = r.pub.Topic(statePath + "/state")
	if extra.Attributes {
		d.AttributesTopic = r.pub.Topic(statePath + "/attributes")
	}
	if expire {
		d.ExpireAfter = r.ExpireAfter()
	}
	r.publish(ctx, kind, id, d)
}

// RegisterButton publishes a button descriptor that sends PRESS to
// prefix/commandPath.
func (r *Registrar) RegisterButton(ctx context.Context, id, name, commandPath string, extra Extra) {
	if !r.cfg.Enabled {
		return
	}
	d := r.base(id, name, extra)
	d.CommandTopic = r.pub.Topic(commandPath)
	d.PayloadPress = PayloadPress
	r.publish(ctx, KindButton, id, d)
}

// Topic returns the discovery topic for an entity.
func (r *Registrar) Topic(kind EntityKind, id string) string {
	return r.cfg.DiscoveryPrefix + "/" + string(kind) + "/" + r.pub.Prefix() + "/" + SanitizeID(id) + "/config"
}

func (r *Registrar) base(id, name string, extra Extra) Descriptor {
	uid := r.pub.Prefix() + "." + id
	return Descriptor{
		UniqueID:          uid,
		ObjectID:          uid,
		Name:              name,
		AvailabilityTopic: r.pub.AvailabilityTopic(),
		Icon:              extra.Icon,
		UnitOfMeasurement: extra.Unit,
		DeviceClass:       extra.DeviceClass,
		StateClass:        extra.StateClass,
		EntityCategory:    extra.EntityCategory,
		Device:            extra.Device,
	}
}

func (r *Registrar) publish(ctx context.Context, kind EntityKind, id string, d Descriptor) {
	// State publishes already log the outage once per tree.
	if !r.pub.Connected() {
		r.logger.Debug("mqtt client not connected, skipping discovery", "entity", id)
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		r.logger.Error("mqtt marshal discovery payload", "entity", id, "error", err)
		return
	}
	r.pub.PublishTopic(ctx, r.Topic(kind, id), payload, true)
}

// SanitizeID replaces every character outside [A-Za-z0-9] with "_" so
// the id is safe as a single topic level.
func SanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}
