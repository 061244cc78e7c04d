package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nugget/thermohygro/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups both sensors under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained HA MQTT sensor discovery payload.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	ExpireAfter       int        `json:"expire_after,omitempty"`
}

// InstanceID derives the stable HA device identifier from the client id.
// Nothing is persisted: the same client id always yields the same id.
func InstanceID(clientID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("thermohygro:"+clientID)).String()
}

// DiscoveryConfig configures a [Discovery] announcer.
type DiscoveryConfig struct {
	// Prefix is the HA discovery prefix, usually "homeassistant".
	Prefix     string
	DeviceName string
	ClientID   string
	// StateTopic is the measurement topic the sensors read from.
	StateTopic string
	// ExpireAfter marks the sensors unavailable after this many seconds
	// without a reading. Zero disables expiry.
	ExpireAfter int
	Logger      *slog.Logger
}

// Discovery publishes HA discovery configs and availability for each new
// session. It implements [Announcer].
type Discovery struct {
	cfg        DiscoveryConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
}

// NewDiscovery creates an announcer.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := InstanceID(cfg.ClientID)
	return &Discovery{
		cfg:        cfg,
		instanceID: id,
		device: DeviceInfo{
			Identifiers:  []string{id},
			Name:         cfg.DeviceName,
			Manufacturer: "thermohygro",
			Model:        "SHTC3",
			SWVersion:    buildinfo.Version,
		},
		logger: cfg.Logger,
	}
}

// objectID is the device name reduced to the characters HA accepts in a
// discovery topic.
func (d *Discovery) objectID() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, d.cfg.DeviceName)
}

// AvailabilityTopic carries the retained online/offline status.
func (d *Discovery) AvailabilityTopic() string {
	return "thermohygro/" + d.objectID() + "/availability"
}

func (d *Discovery) discoveryTopic(entity string) string {
	return d.cfg.Prefix + "/sensor/" + d.objectID() + "/" + entity + "/config"
}

// Will is the last-will message that marks the device offline when the
// broker loses the session.
func (d *Discovery) Will() *Message {
	return &Message{
		Topic:   d.AvailabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (d *Discovery) sensorDefinitions() []sensorDef {
	avail := d.AvailabilityTopic()
	return []sensorDef{
		{
			entity: "temperature",
			config: SensorConfig{
				Name:              d.device.Name + " Temperature",
				UniqueID:          d.instanceID + "_temperature",
				StateTopic:        d.cfg.StateTopic,
				AvailabilityTopic: avail,
				Device:            d.device,
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.t }}",
				ExpireAfter:       d.cfg.ExpireAfter,
			},
		},
		{
			entity: "humidity",
			config: SensorConfig{
				Name:              d.device.Name + " Humidity",
				UniqueID:          d.instanceID + "_humidity",
				StateTopic:        d.cfg.StateTopic,
				AvailabilityTopic: avail,
				Device:            d.device,
				DeviceClass:       "humidity",
				UnitOfMeasurement: "%",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.h }}",
				ExpireAfter:       d.cfg.ExpireAfter,
			},
		},
	}
}

// Announce publishes the discovery configs followed by the "online"
// birth message.
func (d *Discovery) Announce(ctx context.Context, c Conn) error {
	var errs []error
	for _, s := range d.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s discovery: %w", s.entity, err))
			continue
		}
		topic := d.discoveryTopic(s.entity)
		if err := c.Publish(ctx, Message{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s discovery: %w", s.entity, err))
			continue
		}
		d.logger.Debug("discovery published", "entity", s.entity, "topic", topic)
	}

	if err := d.publishAvailability(ctx, c, "online"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Retire publishes the "offline" availability message.
func (d *Discovery) Retire(ctx context.Context, c Conn) error {
	return d.publishAvailability(ctx, c, "offline")
}

func (d *Discovery) publishAvailability(ctx context.Context, c Conn, status string) error {
	err := c.Publish(ctx, Message{
		Topic:   d.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		return fmt.Errorf("publish availability %s: %w", status, err)
	}
	d.logger.Info("availability published", "status", status)
	return nil
}
