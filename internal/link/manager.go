// Package link supervises the wireless network association.
//
// The [Manager] is a cooperative state machine polled once per tick:
//
//	disconnected --begin--> connecting --associated--> connected
//	     ^                      |                          |
//	     +--------fail----------+                          |
//	     +--------------------lost-------------------------+
//
// Attempts are paced by a [retry.Budget]. The manager never gives up: when
// the budget reaches its ceiling [Manager.EnsureReady] reports Failed but
// keeps attempting on the ceiling cadence.
package link

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/nugget/thermohygro/internal/retry"
)

// State is the link's connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// State machine events.
const (
	evBegin      = "begin"
	evAssociated = "associated"
	evFail       = "fail"
	evLost       = "lost"
)

// Readiness is the outcome of one [Manager.EnsureReady] poll.
type Readiness int

const (
	// Pending means the link is not usable yet but attempts continue.
	Pending Readiness = iota
	// Ready means the link is up; the result carries its handle.
	Ready
	// Failed means attempts have backed off to the ceiling cadence.
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is returned by [Manager.EnsureReady].
type Result struct {
	Readiness Readiness
	// Handle is non-nil only when Readiness is Ready. It is borrowed.
	Handle *Handle
	// Err is the most recent fault, if any.
	Err error
}

// Options configures a [Manager].
type Options struct {
	Credentials Credentials

	// ConnectTimeout bounds one association attempt (default: 20s).
	ConnectTimeout time.Duration

	// Policy controls retry pacing. Zero fields take retry defaults.
	Policy retry.Policy

	// OnTransition is called after every state change. Optional.
	OnTransition func(from, to State)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time view of the manager, for health reporting.
type Status struct {
	State       State         `json:"state"`
	Interface   string        `json:"interface,omitempty"`
	LocalAddr   string        `json:"local_addr,omitempty"`
	Failures    int           `json:"failures"`
	Backoff     time.Duration `json:"backoff"`
	NextAttempt time.Time     `json:"next_attempt"`
	LastError   string        `json:"last_error,omitempty"`
}

// lossEvent carries a link-lost notification from the radio.
type lossEvent struct{ err error }

// Manager owns the radio and the link handle.
type Manager struct {
	radio   Radio
	creds   Credentials
	timeout time.Duration
	budget  *retry.Budget
	machine *fsm.FSM
	logger  *slog.Logger

	handle       *Handle
	attemptStart time.Time
	lastErr      error

	// lost is written by the radio's callback, which may run on the
	// radio's own goroutine.
	lost atomic.Pointer[lossEvent]
}

// NewManager creates a Manager in the Disconnected state and registers its
// link-lost callback with radio.
func NewManager(radio Radio, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		radio:   radio,
		creds:   opts.Credentials,
		timeout: opts.ConnectTimeout,
		budget:  retry.NewBudget(opts.Policy),
		logger:  opts.Logger,
	}

	onTransition := opts.OnTransition
	m.machine = fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: evBegin, Src: []string{string(Disconnected)}, Dst: string(Connecting)},
			{Name: evAssociated, Src: []string{string(Connecting)}, Dst: string(Connected)},
			{Name: evFail, Src: []string{string(Connecting)}, Dst: string(Disconnected)},
			{Name: evLost, Src: []string{string(Connected)}, Dst: string(Disconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("link state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
				if onTransition != nil {
					onTransition(State(e.Src), State(e.Dst))
				}
			},
		},
	)

	radio.OnLinkLost(func(err error) {
		m.lost.Store(&lossEvent{err: err})
	})
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// EnsureReady advances the state machine by at most one step and reports
// whether the link is usable. It never blocks.
func (m *Manager) EnsureReady(ctx context.Context, now time.Time) Result {
	switch m.State() {
	case Connecting:
		return m.pollAttempt(ctx, now)
	case Connected:
		return m.checkConnected(ctx, now)
	default:
		return m.startAttempt(ctx, now)
	}
}

func (m *Manager) startAttempt(ctx context.Context, now time.Time) Result {
	if !m.budget.Permits(now) {
		return m.backingOff()
	}

	// A stale loss notification from the previous link is meaningless now.
	m.lost.Store(nil)

	if err := m.radio.Begin(m.creds); err != nil {
		return m.fail(now, classify(err))
	}
	m.attemptStart = now
	m.fire(ctx, evBegin)
	m.logger.Info("link association started",
		"ssid", m.creds.SSID,
		"attempt", m.budget.Failures()+1,
	)
	return Result{Readiness: Pending, Err: m.lastErr}
}

func (m *Manager) pollAttempt(ctx context.Context, now time.Time) Result {
	status, h, err := m.radio.Poll()
	switch status {
	case RadioUp:
		m.handle = h
		m.lastErr = nil
		attempts := m.budget.Failures() + 1
		m.budget.Succeed()
		m.fire(ctx, evAssociated)
		m.logger.Info("link connected", "handle", h.String(), "after_attempts", attempts)
		return Result{Readiness: Ready, Handle: m.handle}

	case RadioFailed:
		m.fire(ctx, evFail)
		return m.fail(now, classify(err))

	default:
		if now.Sub(m.attemptStart) >= m.timeout {
			m.fire(ctx, evFail)
			return m.fail(now, &Fault{Kind: Timeout, Err: context.DeadlineExceeded})
		}
		return Result{Readiness: Pending, Err: m.lastErr}
	}
}

func (m *Manager) checkConnected(ctx context.Context, now time.Time) Result {
	if ev := m.lost.Swap(nil); ev != nil {
		return m.drop(ctx, now, ev.err)
	}

	status, h, err := m.radio.Poll()
	if status != RadioUp {
		return m.drop(ctx, now, err)
	}
	if h != nil {
		m.handle = h
	}
	return Result{Readiness: Ready, Handle: m.handle}
}

// drop handles the loss of an established link. Reconnection follows the
// backoff schedule from the base interval.
func (m *Manager) drop(ctx context.Context, now time.Time, err error) Result {
	m.handle = nil
	m.fire(ctx, evLost)
	if err == nil {
		err = errLinkDown
	}
	f := &Fault{Kind: RadioError, Err: err}
	m.logger.Warn("link lost", "error", err)
	return m.fail(now, f)
}

// fail records f against the budget and reports Pending, or Failed once
// the budget sits at its ceiling.
func (m *Manager) fail(now time.Time, f *Fault) Result {
	m.lastErr = f
	delay := m.budget.Fail(now)
	m.logger.Warn("link attempt failed",
		"kind", f.Kind.String(),
		"failures", m.budget.Failures(),
		"next_delay", delay.String(),
		"error", f.Err,
	)
	return m.backingOff()
}

func (m *Manager) backingOff() Result {
	r := Result{Readiness: Pending, Err: m.lastErr}
	if m.budget.AtCeiling() {
		r.Readiness = Failed
	}
	return r
}

func (m *Manager) fire(ctx context.Context, event string) {
	if err := m.machine.Event(ctx, event); err != nil {
		m.logger.Error("link state machine rejected event",
			"event", event, "state", m.machine.Current(), "error", err)
	}
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() Status {
	s := Status{
		State:       m.State(),
		Failures:    m.budget.Failures(),
		Backoff:     m.budget.Delay(),
		NextAttempt: m.budget.NextEligible(),
	}
	if m.handle != nil {
		s.Interface = m.handle.Interface
		s.LocalAddr = m.handle.LocalAddr.String()
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
