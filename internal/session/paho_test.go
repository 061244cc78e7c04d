package session

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nugget/thermohygro/internal/link"
)

var loopback = &link.Handle{Interface: "lo", LocalAddr: net.IPv4(127, 0, 0, 1)}

// fakeBroker accepts one connection, consumes the CONNECT packet and
// answers with reply. A nil reply never answers. With hangUp set the
// connection is closed right after the reply.
func fakeBroker(t *testing.T, reply []byte, hangUp bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 512)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		if reply != nil {
			_, _ = conn.Write(reply)
		}
		if hangUp {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}()
	return ln.Addr().String()
}

func connectFault(t *testing.T, err error) FaultKind {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("error = %v, want *Fault", err)
	}
	return f.Kind
}

func TestPahoConnector_BrokerReject(t *testing.T) {
	t.Parallel()
	// CONNACK, no session present, reason 0x87 not authorized, no properties.
	addr := fakeBroker(t, []byte{0x20, 0x03, 0x00, 0x87, 0x00}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := (&PahoConnector{}).Connect(ctx, loopback, Options{Addr: addr, ClientID: "thermohygro"})
	if k := connectFault(t, err); k != BrokerReject {
		t.Errorf("kind = %v, want broker_reject", k)
	}
}

func TestPahoConnector_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	addr := fakeBroker(t, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := (&PahoConnector{}).Connect(ctx, loopback, Options{Addr: addr, ClientID: "thermohygro"})
	if k := connectFault(t, err); k != HandshakeTimeout {
		t.Errorf("kind = %v, want handshake_timeout", k)
	}
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestPahoConnector_Unreachable(t *testing.T) {
	t.Parallel()
	addr := closedPort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := (&PahoConnector{}).Connect(ctx, loopback, Options{Addr: addr, ClientID: "thermohygro"})
	if k := connectFault(t, err); k != Unreachable {
		t.Errorf("kind = %v, want unreachable", k)
	}
}

func TestClassifyPuback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code byte
		want PublishFaultKind
	}{
		{0x80, Transient}, // unspecified error
		{0x83, Transient}, // implementation specific
		{0x87, Fatal},     // not authorized
		{0x90, Fatal},     // topic name invalid
		{0x91, Transient}, // packet identifier in use
		{0x97, Transient}, // quota exceeded
		{0x99, Fatal},     // payload format invalid
	}
	for _, tt := range tests {
		if got := classifyPuback(tt.code).Kind; got != tt.want {
			t.Errorf("classifyPuback(%#02x) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
