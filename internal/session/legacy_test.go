package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func legacyOptions(addr string) Options {
	return Options{Addr: addr, ClientID: "thermohygro", HandshakeTimeout: time.Second}
}

func TestLegacyConnector_BrokerReject(t *testing.T) {
	t.Parallel()
	// v3.1.1 CONNACK, return code 5 not authorised.
	addr := fakeBroker(t, []byte{0x20, 0x02, 0x00, 0x05}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := (&LegacyConnector{}).Connect(ctx, loopback, legacyOptions(addr))
	if k := connectFault(t, err); k != BrokerReject {
		t.Errorf("kind = %v, want broker_reject (err %v)", k, err)
	}
}

func TestLegacyConnector_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	addr := fakeBroker(t, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := (&LegacyConnector{}).Connect(ctx, loopback, legacyOptions(addr))
	if k := connectFault(t, err); k != HandshakeTimeout {
		t.Errorf("kind = %v, want handshake_timeout (err %v)", k, err)
	}
}

func TestLegacyConnector_Unreachable(t *testing.T) {
	t.Parallel()
	addr := closedPort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := (&LegacyConnector{}).Connect(ctx, loopback, legacyOptions(addr))
	if k := connectFault(t, err); k != Unreachable {
		t.Errorf("kind = %v, want unreachable (err %v)", k, err)
	}
}

func TestLegacyConnector_PublishAfterBrokerHangUp(t *testing.T) {
	t.Parallel()
	// CONNACK accepted, then the broker drops the connection.
	addr := fakeBroker(t, []byte{0x20, 0x02, 0x00, 0x00}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := (&LegacyConnector{}).Connect(ctx, loopback, legacyOptions(addr))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	deadline := time.Now().Add(3 * time.Second)
	for c.Alive() {
		if time.Now().After(deadline) {
			t.Fatal("connection still alive after the broker hung up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = c.Publish(ctx, Message{Topic: "thermohygro/test", Payload: []byte(`{"v":1}`)})
	var pf *PublishFault
	if !errors.As(err, &pf) || pf.Kind != Fatal {
		t.Errorf("Publish error = %v, want fatal PublishFault", err)
	}
	if c.Alive() {
		t.Error("Alive() = true after a fatal publish")
	}
}

func TestClassifyLegacyConnect(t *testing.T) {
	t.Parallel()
	dialErr := fmt.Errorf("network Error : %s", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	tests := []struct {
		name string
		rc   byte
		err  error
		want FaultKind
		ok   bool
	}{
		{"accepted", packets.Accepted, nil, 0, false},
		{"bad protocol", packets.ErrRefusedBadProtocolVersion, errors.New("refused"), BrokerReject, true},
		{"bad credentials", packets.ErrRefusedBadUsernameOrPassword, errors.New("refused"), BrokerReject, true},
		{"not authorised", packets.ErrRefusedNotAuthorised, errors.New("refused"), BrokerReject, true},
		{"dial failure", packets.ErrNetworkError, dialErr, Unreachable, true},
		{"protocol violation", packets.ErrProtocolViolation, errors.New("bad packet"), ProtocolError, true},
		{"wrapped op error", 0, &net.OpError{Op: "read", Err: errors.New("reset")}, Unreachable, true},
		{"unknown code", 0x42, nil, ProtocolError, true},
	}
	for _, tt := range tests {
		f := classifyLegacyConnect(tt.rc, tt.err)
		if (f != nil) != tt.ok {
			t.Errorf("%s: fault = %v, want present=%v", tt.name, f, tt.ok)
			continue
		}
		if f != nil && f.Kind != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.name, f.Kind, tt.want)
		}
	}
}
