package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/thermohygro/internal/buildinfo"
	"github.com/nugget/thermohygro/internal/config"
	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/payload"
	"github.com/nugget/thermohygro/internal/retry"
	"github.com/nugget/thermohygro/internal/sensor"
	"github.com/nugget/thermohygro/internal/session"
	"github.com/nugget/thermohygro/internal/status"
	"github.com/nugget/thermohygro/internal/supervisor"
)

// simulatedAssociation is how long the emulated radio takes to come up.
const simulatedAssociation = 2 * time.Second

// openSensor opens the configured bus and returns a reader for the SHTC3
// on it, along with a function that releases the bus.
func openSensor(cfg *config.Config, logger *slog.Logger) (*sensor.Reader, func() error, error) {
	var bus sensor.Bus
	closeBus := func() error { return nil }

	if cfg.Simulate {
		bus = sensor.NewSimulatedBus(22.5, 45)
	} else {
		b, err := sensor.OpenI2C(cfg.Sensor.Bus)
		if err != nil {
			return nil, nil, err
		}
		bus = b
		closeBus = b.Close
	}

	r := sensor.NewReader(bus, sensor.Options{
		Address:  cfg.Sensor.Address,
		LowPower: cfg.Sensor.LowPower,
		Logger:   logger,
	})
	return r, closeBus, nil
}

// backoffPolicy converts the config section into a retry policy.
func backoffPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Base:       cfg.Backoff.Base,
		Max:        cfg.Backoff.Max,
		Multiplier: cfg.Backoff.Multiplier,
	}
}

// newConnector returns the MQTT client for the configured protocol.
func newConnector(cfg *config.Config) session.Connector {
	if cfg.MQTT.Protocol == 3 {
		return &session.LegacyConnector{PublishTimeout: cfg.MQTT.PublishTimeout}
	}
	return &session.PahoConnector{PublishTimeout: cfg.MQTT.PublishTimeout}
}

// connectOptions builds the per-attempt broker parameters.
func connectOptions(cfg *config.Config) session.Options {
	opts := session.Options{
		Addr:             cfg.MQTT.BrokerAddr(),
		ClientID:         cfg.MQTT.ClientID,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		KeepAlive:        cfg.MQTT.KeepAlive,
		HandshakeTimeout: cfg.MQTT.HandshakeTimeout,
	}
	if cfg.MQTT.TLS {
		opts.TLS = &tls.Config{
			ServerName: cfg.MQTT.BrokerHost,
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}

// runAgent wires the sensor, link, session, supervisor and status server
// together and runs until SIGINT or SIGTERM.
func runAgent(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath, opts.simulate)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	slog.SetDefault(logger)

	logger.Info("starting thermohygro",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"simulate", cfg.Simulate,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sensor
	reader, closeBus, err := openSensor(cfg, logger.With("component", "sensor"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBus(); err != nil {
			logger.Warn("failed to close i2c bus", "error", err)
		}
	}()

	idCtx, cancel := context.WithTimeout(ctx, cfg.Sensor.Timeout)
	if id, err := reader.Identify(idCtx); err != nil {
		// Not fatal: the supervisor keeps trying every tick.
		logger.Warn("sensor did not identify", "error", err)
	} else {
		logger.Info("sensor identified", "model", "SHTC3", "id", fmt.Sprintf("%#04x", id))
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Link
	var radio link.Radio
	if cfg.Simulate {
		radio = link.NewSimulatedRadio(simulatedAssociation, nil)
	} else {
		ir := link.NewInterfaceRadio(cfg.WiFi.Interface, logger.With("component", "radio"))
		g.Go(func() error {
			ir.Watch(gctx, 0)
			return nil
		})
		radio = ir
	}
	links := link.NewManager(radio, link.Options{
		Credentials:    link.Credentials{SSID: cfg.WiFi.SSID, Password: cfg.WiFi.Password},
		ConnectTimeout: cfg.WiFi.ConnectTimeout,
		Policy:         backoffPolicy(cfg),
		Logger:         logger.With("component", "link"),
	})

	// Session
	metrics := status.NewMetrics()
	connect := connectOptions(cfg)
	var announcer session.Announcer
	if cfg.MQTT.DiscoveryEnabled() {
		d := session.NewDiscovery(session.DiscoveryConfig{
			Prefix:      cfg.MQTT.DiscoveryPrefix,
			DeviceName:  cfg.MQTT.DeviceName,
			ClientID:    cfg.MQTT.ClientID,
			StateTopic:  cfg.MQTT.Topic,
			ExpireAfter: int(3 * cfg.PublishInterval() / time.Second),
			Logger:      logger.With("component", "discovery"),
		})
		connect.Will = d.Will()
		announcer = d
	}
	sessions := session.NewManager(session.ManagerOptions{
		Connector:    newConnector(cfg),
		Connect:      connect,
		Policy:       backoffPolicy(cfg),
		Announcer:    announcer,
		OnTransition: metrics.SessionTransition,
		Logger:       logger.With("component", "session"),
	})

	// Status
	monitor := status.NewMonitor(metrics, status.MonitorOptions{
		Interval:      cfg.PublishInterval(),
		LinkStatus:    links.Status,
		SessionStatus: sessions.Status,
	})
	if cfg.Status.Enabled() {
		srv := status.NewServer(cfg.Status.Listen, monitor, logger.With("component", "status"))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	// Supervisor
	sup := supervisor.New(links, sessions, reader, payload.Encoder{}, supervisor.Options{
		Interval:      cfg.PublishInterval(),
		SensorTimeout: cfg.Sensor.Timeout,
		Topic:         cfg.MQTT.Topic,
		QoS:           byte(cfg.MQTT.QoS),
		Recorder:      monitor,
		Logger:        logger.With("component", "supervisor"),
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})

	err = g.Wait()
	logger.Info("thermohygro stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runRead takes a single measurement and prints its payload. It touches
// neither the network nor the broker.
func runRead(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath, opts.simulate)
	if err != nil {
		return err
	}
	logger := configuredLogger(io.Discard, cfg)

	reader, closeBus, err := openSensor(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	rctx, cancel := context.WithTimeout(ctx, cfg.Sensor.Timeout)
	defer cancel()
	sample, err := reader.Read(rctx)
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}

	b, err := payload.Encode(sample)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		_, err = fmt.Fprintf(stdout, "%s\n", b)
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "temperature: %.2f °C\n", sample.Temperature)
	fmt.Fprintf(&sb, "humidity:    %.2f %%RH\n", sample.Humidity)
	fmt.Fprintf(&sb, "payload:     %s\n", b)
	_, err = io.WriteString(stdout, sb.String())
	return err
}
