package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nugget/thermohygro/internal/link"
)

// LegacyConnector opens MQTT v3.1.1 sessions for brokers that do not speak
// v5. The client's own reconnect logic is disabled: reconnection is paced
// by the [Manager].
type LegacyConnector struct {
	// PublishTimeout bounds a single publish (default: 5s).
	PublishTimeout time.Duration
}

func (lc *LegacyConnector) Connect(ctx context.Context, h *link.Handle, opts Options) (Conn, error) {
	c := &legacyConn{publishTimeout: lc.PublishTimeout}
	if c.publishTimeout <= 0 {
		c.publishTimeout = 5 * time.Second
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	scheme := "tcp://"
	if opts.TLS != nil {
		scheme = "ssl://"
	}
	dialer := &net.Dialer{Timeout: opts.HandshakeTimeout}
	if h != nil && h.LocalAddr != nil && !h.LocalAddr.IsLoopback() {
		dialer.LocalAddr = &net.TCPAddr{IP: h.LocalAddr}
	}

	co := mqtt.NewClientOptions().
		AddBroker(scheme + opts.Addr).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.HandshakeTimeout).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetDialer(dialer).
		SetConnectionLostHandler(func(_ mqtt.Client, _ error) {
			c.alive.Store(false)
		})
	if opts.TLS != nil {
		co.SetTLSConfig(opts.TLS)
	}
	if w := opts.Will; w != nil {
		co.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}

	c.client = mqtt.NewClient(co)
	tok := c.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, &Fault{Kind: HandshakeTimeout, Err: ctx.Err()}
	}

	var rc byte
	if ct, ok := tok.(*mqtt.ConnectToken); ok {
		rc = ct.ReturnCode()
	}
	if rc != packets.Accepted && ctx.Err() != nil {
		// The client's own connect deadline fired together with ours.
		return nil, &Fault{Kind: HandshakeTimeout, Err: tok.Error()}
	}
	if f := classifyLegacyConnect(rc, tok.Error()); f != nil {
		return nil, f
	}

	c.alive.Store(true)
	return c, nil
}

// classifyLegacyConnect maps a v3.1.1 connect result to a [Fault]. Only
// return codes 1 to 5 come from a CONNACK; the client reports dial and
// framing failures with its own codes above them.
func classifyLegacyConnect(rc byte, err error) *Fault {
	switch {
	case rc >= packets.ErrRefusedBadProtocolVersion && rc <= packets.ErrRefusedNotAuthorised:
		return &Fault{Kind: BrokerReject, Err: fmt.Errorf("connack return code %d: %w", rc, err)}
	case rc == packets.ErrNetworkError:
		return &Fault{Kind: Unreachable, Err: err}
	}
	if err == nil {
		if rc != packets.Accepted {
			return &Fault{Kind: ProtocolError, Err: fmt.Errorf("connect return code %d", rc)}
		}
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Fault{Kind: Unreachable, Err: err}
	}
	return &Fault{Kind: ProtocolError, Err: err}
}

type legacyConn struct {
	client         mqtt.Client
	publishTimeout time.Duration
	alive          atomic.Bool
}

func (c *legacyConn) Publish(ctx context.Context, msg Message) error {
	if !c.client.IsConnectionOpen() {
		c.alive.Store(false)
		return &PublishFault{Kind: Fatal, Err: mqtt.ErrNotConnected}
	}

	tok := c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-timer.C:
		return &PublishFault{Kind: Transient, Err: errors.New("publish timed out")}
	case <-ctx.Done():
		return &PublishFault{Kind: Transient, Err: ctx.Err()}
	}

	if err := tok.Error(); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) || !c.client.IsConnectionOpen() {
			c.alive.Store(false)
			return &PublishFault{Kind: Fatal, Err: err}
		}
		return &PublishFault{Kind: Transient, Err: err}
	}
	return nil
}

func (c *legacyConn) Alive() bool {
	return c.alive.Load() && c.client.IsConnectionOpen()
}

func (c *legacyConn) Disconnect(ctx context.Context) error {
	c.alive.Store(false)
	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < 250*time.Millisecond {
			quiesce = uint(max(left, 0) / time.Millisecond)
		}
	}
	c.client.Disconnect(quiesce)
	return nil
}
