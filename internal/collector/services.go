package collector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/omvbridge/internal/mqtt"
)

// Services publishes the running state of every appliance service as
// a binary sensor under prefix/services/<name>.
type Services struct {
	deps Deps
}

// NewServices creates the services collector.
func NewServices(deps Deps) *Services {
	return &Services{deps: deps}
}

func (s *Services) Name() string { return "services" }

type serviceAttributes struct {
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	Icon         string `json:"icon"`
	FriendlyName string `json:"friendly_name"`
}

func (s *Services) Collect(ctx context.Context) error {
	services, err := s.deps.API.ServiceStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch service status: %w", err)
	}

	device := s.deps.Devices.Group("services", "Services")
	tree := make(mqtt.Branch, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			continue
		}
		attrs, err := json.Marshal(serviceAttributes{
			Name:         svc.Name,
			Enabled:      svc.Enabled,
			Icon:         "mdi:cog",
			FriendlyName: title(svc.Title, svc.Name),
		})
		if err != nil {
			return fmt.Errorf("marshal attributes for %s: %w", svc.Name, err)
		}
		tree[svc.Name] = mqtt.Branch{
			"state":      mqtt.Leaf(onOff(svc.Running)),
			"attributes": mqtt.Leaf(attrs),
		}
	}
	s.deps.Publisher.Publish(ctx, "services", tree)

	for _, svc := range services {
		if svc.Name == "" {
			continue
		}
		s.deps.Registrar.RegisterSensor(ctx, mqtt.KindBinarySensor,
			"services."+svc.Name, title(svc.Title, svc.Name), "services/"+svc.Name,
			mqtt.Extra{Attributes: true, Icon: "mdi:cog", DeviceClass: "running", Device: device}, true)
	}

	s.deps.logger().Debug("services published", "count", len(tree))
	return nil
}

func title(t, fallback string) string {
	if t != "" {
		return t
	}
	return fallback
}
