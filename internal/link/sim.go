package link

import (
	"net"
	"sync"
	"time"
)

// SimulatedRadio associates after a fixed delay. It is used by the
// -simulate mode and by tests, which can inject failures and drops.
type SimulatedRadio struct {
	delay time.Duration
	now   func() time.Time

	mu       sync.Mutex
	status   RadioStatus
	started  time.Time
	failNext error
	lastErr  error
	lostFn   func(error)
}

// NewSimulatedRadio creates a radio that reports up delay after Begin. A
// nil now uses time.Now.
func NewSimulatedRadio(delay time.Duration, now func() time.Time) *SimulatedRadio {
	if now == nil {
		now = time.Now
	}
	return &SimulatedRadio{delay: delay, now: now}
}

var simHandle = Handle{Interface: "sim0", LocalAddr: net.IPv4(127, 0, 0, 1)}

func (r *SimulatedRadio) Begin(Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RadioAssociating
	r.started = r.now()
	r.lastErr = nil
	if r.failNext != nil {
		r.status = RadioFailed
		r.lastErr = r.failNext
		r.failNext = nil
	}
	return nil
}

func (r *SimulatedRadio) Poll() (RadioStatus, *Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case RadioAssociating:
		if r.now().Sub(r.started) >= r.delay {
			r.status = RadioUp
		}
	case RadioFailed:
		return RadioFailed, nil, r.lastErr
	}
	if r.status == RadioUp {
		h := simHandle
		return RadioUp, &h, nil
	}
	return r.status, nil, nil
}

func (r *SimulatedRadio) OnLinkLost(fn func(error)) {
	r.mu.Lock()
	r.lostFn = fn
	r.mu.Unlock()
}

// FailNextAttempt makes the next Begin end in RadioFailed with err.
func (r *SimulatedRadio) FailNextAttempt(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

// Drop takes an established link down and fires the link-lost callback.
func (r *SimulatedRadio) Drop(err error) {
	r.mu.Lock()
	wasUp := r.status == RadioUp
	r.status = RadioIdle
	fn := r.lostFn
	r.mu.Unlock()

	if wasUp && fn != nil {
		fn(err)
	}
}
