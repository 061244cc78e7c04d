package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thermohygro/internal/link"
)

// PUBACK reason codes after which retrying the same publish on the same
// session cannot succeed.
const (
	reasonNotAuthorized    byte = 0x87
	reasonTopicNameInvalid byte = 0x90
	reasonPayloadFormat    byte = 0x99
)

// PahoConnector opens MQTT v5 sessions with the Eclipse Paho client.
type PahoConnector struct {
	// PublishTimeout bounds a single publish when the caller's context
	// has no earlier deadline (default: 5s).
	PublishTimeout time.Duration
}

// Connect dials the broker from the link's local address and performs the
// CONNECT handshake within ctx.
func (pc *PahoConnector) Connect(ctx context.Context, h *link.Handle, opts Options) (Conn, error) {
	nc, err := dial(ctx, h, opts.Addr, opts.TLS)
	if err != nil {
		return nil, &Fault{Kind: Unreachable, Err: err}
	}

	c := &pahoConn{publishTimeout: pc.PublishTimeout}
	if c.publishTimeout <= 0 {
		c.publishTimeout = 5 * time.Second
	}
	c.alive.Store(true)

	c.client = paho.NewClient(paho.ClientConfig{
		ClientID: opts.ClientID,
		Conn:     nc,
		OnClientError: func(error) {
			c.alive.Store(false)
		},
		OnServerDisconnect: func(*paho.Disconnect) {
			c.alive.Store(false)
		},
	})

	cp := &paho.Connect{
		ClientID:   opts.ClientID,
		KeepAlive:  uint16(opts.KeepAlive / time.Second),
		CleanStart: true,
	}
	if opts.Username != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
	}
	if opts.Password != "" {
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = true
	}
	if w := opts.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}

	ca, err := c.client.Connect(ctx, cp)
	if ca != nil && ca.ReasonCode >= 0x80 {
		_ = nc.Close()
		return nil, &Fault{
			Kind: BrokerReject,
			Err:  fmt.Errorf("connack reason %#02x: %s", ca.ReasonCode, reasonString(ca.Properties)),
		}
	}
	if err != nil {
		_ = nc.Close()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, &Fault{Kind: HandshakeTimeout, Err: err}
		}
		return nil, &Fault{Kind: ProtocolError, Err: err}
	}
	return c, nil
}

func reasonString(p *paho.ConnackProperties) string {
	if p == nil || p.ReasonString == "" {
		return "refused"
	}
	return p.ReasonString
}

type pahoConn struct {
	client         *paho.Client
	publishTimeout time.Duration
	alive          atomic.Bool
}

func (c *pahoConn) Publish(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	pr, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	})
	if pr != nil && pr.ReasonCode >= 0x80 {
		return classifyPuback(pr.ReasonCode)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && c.alive.Load() {
		return &PublishFault{Kind: Transient, Err: err}
	}
	c.alive.Store(false)
	return &PublishFault{Kind: Fatal, Err: err}
}

// classifyPuback maps an MQTT v5 PUBACK failure code to a publish fault.
func classifyPuback(code byte) *PublishFault {
	err := fmt.Errorf("puback reason %#02x", code)
	switch code {
	case reasonNotAuthorized, reasonTopicNameInvalid, reasonPayloadFormat:
		return &PublishFault{Kind: Fatal, Err: err}
	default:
		return &PublishFault{Kind: Transient, Err: err}
	}
}

func (c *pahoConn) Alive() bool {
	return c.alive.Load()
}

func (c *pahoConn) Disconnect(ctx context.Context) error {
	c.alive.Store(false)
	done := make(chan error, 1)
	go func() {
		done <- c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial opens a TCP or TLS connection bound to the link's local address.
func dial(ctx context.Context, h *link.Handle, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{}
	if h != nil && h.LocalAddr != nil && !h.LocalAddr.IsLoopback() {
		d.LocalAddr = &net.TCPAddr{IP: h.LocalAddr}
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return nc, nil
	}

	cfg := tlsCfg.Clone()
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return tc, nil
}
