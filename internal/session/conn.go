package session

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/nugget/thermohygro/internal/link"
)

// Message is one application message handed to a [Conn].
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options are the broker parameters for a single connect attempt.
type Options struct {
	// Addr is the broker host:port.
	Addr string
	// TLS enables TLS when non-nil.
	TLS *tls.Config

	ClientID string
	Username string
	Password string

	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	// Will is registered with the broker at connect time. Optional.
	Will *Message
}

// Connector opens protocol sessions over an established link. It must
// classify its failures as [*Fault].
type Connector interface {
	Connect(ctx context.Context, h *link.Handle, opts Options) (Conn, error)
}

// Conn is an open protocol session. Publish failures must be classified
// as [*PublishFault].
type Conn interface {
	Publish(ctx context.Context, msg Message) error
	// Alive reports whether the transport is still believed open.
	Alive() bool
	Disconnect(ctx context.Context) error
}
