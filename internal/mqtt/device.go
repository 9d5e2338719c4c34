package mqtt

// DeviceInfo is the Home Assistant device registry block embedded in
// discovery descriptors. Entities sharing identifiers are grouped on
// one device page.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
}
