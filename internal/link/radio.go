package link

import (
	"errors"
	"fmt"
	"net"
)

// Credentials identify the wireless network to associate with.
type Credentials struct {
	SSID     string
	Password string
}

// Handle describes an established link. It is owned by the [Manager] and
// lent to the session layer for the duration of a connect or publish; it
// must not be retained across ticks.
type Handle struct {
	// Interface is the network interface carrying the link.
	Interface string
	// LocalAddr is the address the session dials from.
	LocalAddr net.IP
}

func (h *Handle) String() string {
	if h == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s)", h.Interface, h.LocalAddr)
}

// RadioStatus is the non-blocking status reported by [Radio.Poll].
type RadioStatus int

const (
	RadioIdle RadioStatus = iota
	RadioAssociating
	RadioUp
	RadioFailed
)

func (s RadioStatus) String() string {
	switch s {
	case RadioIdle:
		return "idle"
	case RadioAssociating:
		return "associating"
	case RadioUp:
		return "up"
	case RadioFailed:
		return "failed"
	default:
		return fmt.Sprintf("RadioStatus(%d)", int(s))
	}
}

// ErrAuthRejected is returned by radios when the access point refuses the
// credentials.
var ErrAuthRejected = errors.New("access point rejected credentials")

// Radio is the wireless runtime capability. All methods must return
// promptly; association progress is observed by polling.
type Radio interface {
	// Begin starts an association attempt with creds.
	Begin(creds Credentials) error
	// Poll reports the association status. The handle is non-nil only
	// when the status is RadioUp; the error is set when it is RadioFailed.
	Poll() (RadioStatus, *Handle, error)
	// OnLinkLost registers a callback invoked when an established link
	// drops. It may be called from a goroutine owned by the radio.
	OnLinkLost(fn func(err error))
}
