package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ifaceInfo is the subset of interface state the radio inspects.
type ifaceInfo struct {
	flags net.Flags
	addrs []net.Addr
}

// lookupFunc resolves an interface by name.
type lookupFunc func(name string) (ifaceInfo, error)

func lookupInterface(name string) (ifaceInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ifaceInfo{}, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ifaceInfo{}, err
	}
	return ifaceInfo{flags: ifi.Flags, addrs: addrs}, nil
}

// InterfaceRadio treats a host network interface as the radio. Association
// itself is owned by the operating system's supplicant; the radio only
// observes whether the interface is up, running and addressed.
type InterfaceRadio struct {
	name   string
	lookup lookupFunc
	logger *slog.Logger

	mu     sync.Mutex
	begun  bool
	up     bool
	lostFn func(error)
}

// NewInterfaceRadio creates a radio observing the named interface.
func NewInterfaceRadio(name string, logger *slog.Logger) *InterfaceRadio {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterfaceRadio{name: name, lookup: lookupInterface, logger: logger}
}

// Begin marks the start of an association attempt. Credentials are held by
// the supplicant, so only the SSID is logged for correlation.
func (r *InterfaceRadio) Begin(creds Credentials) error {
	if r.name == "" {
		return errors.New("no network interface configured")
	}
	r.mu.Lock()
	r.begun = true
	r.mu.Unlock()
	r.logger.Debug("waiting for interface association", "interface", r.name, "ssid", creds.SSID)
	return nil
}

// Poll inspects the interface. A missing interface is reported as still
// associating: USB adapters and virtual links appear late.
func (r *InterfaceRadio) Poll() (RadioStatus, *Handle, error) {
	h, err := r.probe()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.up = err == nil
	switch {
	case err == nil:
		return RadioUp, h, nil
	case r.begun:
		return RadioAssociating, nil, nil
	default:
		return RadioIdle, nil, nil
	}
}

// OnLinkLost registers fn. It is invoked by [InterfaceRadio.Watch].
func (r *InterfaceRadio) OnLinkLost(fn func(error)) {
	r.mu.Lock()
	r.lostFn = fn
	r.mu.Unlock()
}

// Watch polls the interface every interval until ctx is cancelled and
// reports up-to-down transitions through the link-lost callback, so a drop
// is noticed even between ticks.
func (r *InterfaceRadio) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

func (r *InterfaceRadio) check() {
	_, err := r.probe()

	r.mu.Lock()
	wasUp := r.up
	r.up = err == nil
	fn := r.lostFn
	r.mu.Unlock()

	if wasUp && err != nil {
		r.logger.Info("interface went down", "interface", r.name, "error", err)
		if fn != nil {
			fn(err)
		}
	}
}

// probe returns a handle when the interface is usable.
func (r *InterfaceRadio) probe() (*Handle, error) {
	info, err := r.lookup(r.name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", r.name, err)
	}
	if info.flags&net.FlagUp == 0 || info.flags&net.FlagRunning == 0 {
		return nil, fmt.Errorf("interface %s is not running", r.name)
	}
	ip := pickAddr(info.addrs)
	if ip == nil {
		return nil, fmt.Errorf("interface %s has no usable address", r.name)
	}
	return &Handle{Interface: r.name, LocalAddr: ip}, nil
}

// pickAddr prefers a global IPv4 address, then any non-loopback,
// non-link-local address.
func pickAddr(addrs []net.Addr) net.IP {
	var fallback net.IP
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		if ip.To4() != nil {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}
