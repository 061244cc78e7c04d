package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values that would prevent the
// agent from running. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat))
	}
	if c.PublishIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("publish_interval_seconds must be positive, got %d", c.PublishIntervalSec))
	}

	if c.WiFi.Interface == "" && !c.Simulate {
		errs = append(errs, errors.New("wifi.interface must be set"))
	}
	if c.WiFi.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("wifi.connect_timeout must be positive"))
	}

	m := c.MQTT
	if m.BrokerHost == "" {
		errs = append(errs, errors.New("mqtt.broker_host must be set"))
	}
	if m.BrokerPort < 1 || m.BrokerPort > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.broker_port %d out of range 1-65535", m.BrokerPort))
	}
	if m.Protocol != 3 && m.Protocol != 5 {
		errs = append(errs, fmt.Errorf("mqtt.protocol %d invalid (valid: 3, 5)", m.Protocol))
	}
	if m.QoS != 0 && m.QoS != 1 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d invalid (valid: 0, 1)", m.QoS))
	}
	if m.ClientID == "" {
		errs = append(errs, errors.New("mqtt.client_id must be set"))
	}
	if err := ValidateTopic(m.Topic); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.topic: %w", err))
	}
	if m.HandshakeTimeout <= 0 || m.PublishTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.handshake_timeout and mqtt.publish_timeout must be positive"))
	}

	if c.Sensor.Bus == "" && !c.Simulate {
		errs = append(errs, errors.New("sensor.bus must be set"))
	}
	if c.Sensor.Address == 0 || c.Sensor.Address > 0x7F {
		errs = append(errs, fmt.Errorf("sensor.address %#x is not a 7-bit I2C address", c.Sensor.Address))
	}
	if c.Sensor.Timeout <= 0 {
		errs = append(errs, errors.New("sensor.timeout must be positive"))
	}

	b := c.Backoff
	if b.Base <= 0 || b.Max <= 0 {
		errs = append(errs, errors.New("backoff.base and backoff.max must be positive"))
	} else if b.Base > b.Max {
		errs = append(errs, fmt.Errorf("backoff.base %s exceeds backoff.max %s", b.Base, b.Max))
	}
	if b.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff.multiplier %v must be >= 1", b.Multiplier))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateTopic rejects topic names that a broker would refuse for
// PUBLISH: empty names, wildcards and NUL characters.
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return errors.New("topic is empty")
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("topic %q contains a wildcard", topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("topic %q contains NUL", topic)
	case len(topic) > 65535:
		return errors.New("topic exceeds 65535 bytes")
	}
	return nil
}
