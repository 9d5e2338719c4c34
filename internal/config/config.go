// Package config handles omvbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/omvbridge/config.yaml, /etc/omvbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "omvbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/omvbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all omvbridge configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	OMV       OMVConfig       `yaml:"omv"`
	Poll      PollConfig      `yaml:"poll"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Status    StatusConfig    `yaml:"status"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// MQTTConfig defines the message bus connection. The broker scheme
// selects the transport: mqtt, mqtts, tcp, ssl, tls, ws and wss use
// MQTT; nats uses NATS.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
	Retain   bool   `yaml:"retain"`
	QoS      int    `yaml:"qos"`
}

// Credentials returns the broker username and password. Explicit
// fields win over userinfo embedded in the broker URI.
func (c MQTTConfig) Credentials() (string, string) {
	user, pass := c.Username, c.Password
	if user != "" {
		return user, pass
	}
	u, err := url.Parse(c.Broker)
	if err != nil || u.User == nil {
		return user, pass
	}
	p, _ := u.User.Password()
	return u.User.Username(), p
}

// OMVConfig defines the appliance API connection.
type OMVConfig struct {
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	TimeoutSec         int    `yaml:"timeout_sec"`

	// ExposeNetworks lists the interface names to publish. Empty
	// means every interface the appliance reports.
	ExposeNetworks []string `yaml:"expose_networks"`
}

// Timeout returns the per-request HTTP timeout.
func (c OMVConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PollConfig controls the poll loop cadence.
type PollConfig struct {
	ScanIntervalSec  int `yaml:"scan_interval_sec"`
	LoginIntervalSec int `yaml:"login_interval_sec"`
}

// ScanInterval returns the sleep between poll cycles.
func (c PollConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// LoginInterval returns how long a login stays fresh.
func (c PollConfig) LoginInterval() time.Duration {
	return time.Duration(c.LoginIntervalSec) * time.Second
}

// DiscoveryConfig controls Home Assistant MQTT discovery.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// StatusConfig defines the optional HTTP status endpoint. A zero
// port disables it.
type StatusConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Enabled reports whether the status endpoint should be served.
func (c StatusConfig) Enabled() bool {
	return c.Port > 0
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing, and any key the
// file omits keeps its value from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every optional value filled
// in. Broker and appliance connection details have no defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Prefix: "omv",
			Retain: true,
			QoS:    0,
		},
		OMV: OMVConfig{
			TimeoutSec: 30,
		},
		Poll: PollConfig{
			ScanIntervalSec:  30,
			LoginIntervalSec: 300,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Prefix:  "homeassistant",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults fills values that were explicitly emptied in the file.
func (c *Config) applyDefaults() {
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
	if c.OMV.TimeoutSec <= 0 {
		c.OMV.TimeoutSec = 30
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.OMV.URL = strings.TrimRight(c.OMV.URL, "/")
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if _, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	}
	if strings.Trim(c.MQTT.Prefix, "/") == "" {
		errs = append(errs, errors.New("mqtt.prefix is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS))
	}

	if c.OMV.URL == "" {
		errs = append(errs, errors.New("omv.url is required"))
	} else if u, err := url.Parse(c.OMV.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("omv.url %q is not an absolute URL", c.OMV.URL))
	}
	if c.OMV.Username == "" {
		errs = append(errs, errors.New("omv.username is required"))
	}
	if c.OMV.Password == "" {
		errs = append(errs, errors.New("omv.password is required"))
	}

	if c.Poll.ScanIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("poll.scan_interval_sec must be at least 1 (got %d)", c.Poll.ScanIntervalSec))
	}
	if c.Poll.LoginIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("poll.login_interval_sec must be at least 1 (got %d)", c.Poll.LoginIntervalSec))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Errorf("status.port %d out of range", c.Status.Port))
	}

	return errors.Join(errs...)
}

// Masked returns a copy safe for logging, with secrets replaced by
// asterisks of the same length.
func (c *Config) Masked() Config {
	m := *c
	m.OMV.Password = strings.Repeat("*", len(c.OMV.Password))
	if m.MQTT.Password != "" {
		m.MQTT.Password = strings.Repeat("*", len(c.MQTT.Password))
	}
	if u, err := url.Parse(c.MQTT.Broker); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
			m.MQTT.Broker = u.String()
		}
	}
	return m
}
