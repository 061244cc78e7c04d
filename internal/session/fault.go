package session

import (
	"errors"
	"fmt"
)

// FaultKind classifies a session failure.
type FaultKind int

const (
	// HandshakeTimeout means the broker did not answer CONNECT in time.
	HandshakeTimeout FaultKind = iota + 1
	// BrokerReject means the broker refused the session.
	BrokerReject
	// ProtocolError covers malformed traffic and a session lost while ready.
	ProtocolError
	// Unreachable means the broker could not be dialled.
	Unreachable
)

func (k FaultKind) String() string {
	switch k {
	case HandshakeTimeout:
		return "handshake_timeout"
	case BrokerReject:
		return "broker_reject"
	case ProtocolError:
		return "protocol_error"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault is a recoverable session failure.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "session " + f.Kind.String()
	}
	return "session " + f.Kind.String() + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// PublishFaultKind says whether the session survives a failed publish.
type PublishFaultKind int

const (
	// Transient failures leave the session usable.
	Transient PublishFaultKind = iota + 1
	// Fatal failures invalidate the session.
	Fatal
)

func (k PublishFaultKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("PublishFaultKind(%d)", int(k))
	}
}

// PublishFault is returned by [Conn.Publish] and [Manager.Publish].
type PublishFault struct {
	Kind PublishFaultKind
	Err  error
}

func (f *PublishFault) Error() string {
	if f.Err == nil {
		return "publish " + f.Kind.String()
	}
	return "publish " + f.Kind.String() + ": " + f.Err.Error()
}

func (f *PublishFault) Unwrap() error { return f.Err }

// IsFatal reports whether err is a fatal publish fault. Unclassified
// errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var pf *PublishFault
	if errors.As(err, &pf) {
		return pf.Kind == Fatal
	}
	return true
}

var (
	errLinkDown = errors.New("link not ready")
	errConnLost = errors.New("connection lost")
)
