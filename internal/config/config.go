// Package config handles thermohygro configuration loading.
//
// The configuration is read once at boot from a single YAML file. There is
// no runtime reconfiguration: a changed file takes effect on the next start.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/thermohygro/config.yaml, /etc/thermohygro/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thermohygro", "config.yaml"))
	}

	paths = append(paths, "/etc/thermohygro/config.yaml")
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

// Config holds all thermohygro configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// PublishIntervalSec is the supervisor tick period.
	PublishIntervalSec int `yaml:"publish_interval_seconds"`

	// Simulate replaces the I²C bus and the host radio with in-process
	// emulators. Useful on a workstation without the sensor attached.
	Simulate bool `yaml:"simulate"`

	WiFi    WiFiConfig    `yaml:"wifi"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Backoff BackoffConfig `yaml:"backoff"`
	Status  StatusConfig  `yaml:"status"`
}

// WiFiConfig defines the wireless association settings.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	// Interface is the host network interface that carries the link.
	Interface string `yaml:"interface"`
	// ConnectTimeout bounds a single association attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTConfig defines the broker connection and publish settings.
type MQTTConfig struct {
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`
	TLS        bool   `yaml:"tls"`
	// Protocol selects the wire protocol: 5 (MQTT v5) or 3 (MQTT v3.1.1).
	Protocol int    `yaml:"protocol"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`

	KeepAlive        time.Duration `yaml:"keep_alive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`

	// DiscoveryPrefix enables Home Assistant MQTT discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// BrokerAddr returns host:port for dialing.
func (c MQTTConfig) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

// DiscoveryEnabled reports whether Home Assistant discovery is configured.
func (c MQTTConfig) DiscoveryEnabled() bool {
	return c.DiscoveryPrefix != ""
}

// SensorConfig defines the I²C sensor settings.
type SensorConfig struct {
	Bus      string `yaml:"bus"`
	Address  uint16 `yaml:"address"`
	LowPower bool   `yaml:"low_power"`
	// Timeout bounds one complete measurement transaction.
	Timeout time.Duration `yaml:"timeout"`
}

// BackoffConfig controls the retry schedule of the link and session managers.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// StatusConfig defines the optional operator status endpoint.
type StatusConfig struct {
	// Listen is the HTTP bind address (e.g. ":9100"). Empty disables it.
	Listen string `yaml:"listen"`
}

// Enabled reports whether the status endpoint should be started.
func (c StatusConfig) Enabled() bool {
	return c.Listen != ""
}

// PublishInterval returns the tick period as a duration.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing, and unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration. Broker and client defaults
// match the firmware this agent replaces.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		PublishIntervalSec: 10,
		WiFi: WiFiConfig{
			Interface:      "wlan0",
			ConnectTimeout: 20 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerHost:       "test.mosquitto.org",
			Protocol:         5,
			ClientID:         "thermohygro",
			QoS:              0,
			KeepAlive:        120 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PublishTimeout:   5 * time.Second,
		},
		Sensor: SensorConfig{
			Bus:     "/dev/i2c-1",
			Address: 0x70,
			Timeout: 100 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			Base:       time.Second,
			Max:        60 * time.Second,
			Multiplier: 2,
		},
	}
}

// applyDefaults fills in values that depend on other fields.
func (c *Config) applyDefaults() {
	if c.MQTT.BrokerPort == 0 {
		c.MQTT.BrokerPort = 1883
		if c.MQTT.TLS {
			c.MQTT.BrokerPort = 8883
		}
	}
	if c.MQTT.Topic == "" {
		if c.MQTT.Username != "" {
			c.MQTT.Topic = c.MQTT.Username + "/feeds/measurement"
		} else {
			c.MQTT.Topic = "thermohygro/" + c.MQTT.ClientID + "/measurement"
		}
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = c.MQTT.ClientID
	}
}
