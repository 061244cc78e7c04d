package link

import (
	"errors"
	"fmt"
)

// FaultKind classifies a link failure.
type FaultKind int

const (
	// AuthReject means the access point refused the credentials.
	AuthReject FaultKind = iota + 1
	// Timeout means association did not complete within the connect timeout.
	Timeout
	// RadioError covers every other radio failure, including link loss.
	RadioError
)

func (k FaultKind) String() string {
	switch k {
	case AuthReject:
		return "auth_reject"
	case Timeout:
		return "timeout"
	case RadioError:
		return "radio_error"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault is a recoverable link failure.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "link " + f.Kind.String()
	}
	return "link " + f.Kind.String() + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// classify wraps a radio error in a Fault.
func classify(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrAuthRejected) {
		return &Fault{Kind: AuthReject, Err: err}
	}
	return &Fault{Kind: RadioError, Err: err}
}

var errLinkDown = errors.New("link down")
