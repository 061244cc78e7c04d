// Package session maintains one MQTT session to one broker over the link
// owned by the link manager.
//
// The [Manager] is polled once per tick with the current link handle:
//
//	closed --dial--> handshaking --established--> ready
//	  ^                   |                         |
//	  |                rejected                   broken
//	  |                   v                         |
//	  +------cooled---- faulted <-------------------+
//
// A nil handle forces the session closed from any state. A fatal publish
// does the same. Reconnection is paced by a [retry.Budget] and the broker
// is never abandoned.
//
// Two connectors are provided: [PahoConnector] speaks MQTT v5 and
// [LegacyConnector] speaks MQTT v3.1.1.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/nugget/thermohygro/internal/config"
	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/retry"
)

// State is the session state.
type State string

const (
	Closed      State = "closed"
	Handshaking State = "handshaking"
	Ready       State = "ready"
	Faulted     State = "faulted"
)

const (
	evDial        = "dial"
	evEstablished = "established"
	evRejected    = "rejected"
	evBroken      = "broken"
	evCooled      = "cooled"
	evReset       = "reset"
)

// Readiness is the outcome of one [Manager.EnsureSession] poll.
type Readiness int

const (
	Pending Readiness = iota
	Usable
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Usable:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is returned by [Manager.EnsureSession].
type Result struct {
	Readiness Readiness
	// Conn is non-nil only when Readiness is Usable.
	Conn Conn
	// Err is the most recent fault, if any.
	Err error
}

// Announcer is notified around the life of each session. Failures are
// logged and never affect the session itself.
type Announcer interface {
	// Announce runs right after a session becomes ready.
	Announce(ctx context.Context, c Conn) error
	// Retire runs before an orderly disconnect.
	Retire(ctx context.Context, c Conn) error
}

// ManagerOptions configures a [Manager].
type ManagerOptions struct {
	Connector Connector
	Connect   Options

	// Policy controls reconnect pacing. Zero fields take retry defaults.
	Policy retry.Policy

	// Announcer is optional.
	Announcer Announcer

	// OnTransition is called after every state change. Optional.
	OnTransition func(from, to State)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time view of the manager, for health reporting.
type Status struct {
	State       State         `json:"state"`
	Broker      string        `json:"broker"`
	Failures    int           `json:"failures"`
	Rebuilds    int           `json:"rebuilds"`
	Backoff     time.Duration `json:"backoff"`
	NextAttempt time.Time     `json:"next_attempt"`
	LastError   string        `json:"last_error,omitempty"`
}

// Manager owns the broker session.
type Manager struct {
	connector Connector
	opts      Options
	announcer Announcer
	budget    *retry.Budget
	machine   *fsm.FSM
	logger    *slog.Logger

	conn    Conn
	lastErr error

	// rebuilds counts sessions established after the first.
	established bool
	rebuilds    int
}

// NewManager creates a Manager in the Closed state.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Connect.HandshakeTimeout <= 0 {
		opts.Connect.HandshakeTimeout = 10 * time.Second
	}

	m := &Manager{
		connector: opts.Connector,
		opts:      opts.Connect,
		announcer: opts.Announcer,
		budget:    retry.NewBudget(opts.Policy),
		logger:    opts.Logger,
	}

	onTransition := opts.OnTransition
	m.machine = fsm.NewFSM(
		string(Closed),
		fsm.Events{
			{Name: evDial, Src: []string{string(Closed)}, Dst: string(Handshaking)},
			{Name: evEstablished, Src: []string{string(Handshaking)}, Dst: string(Ready)},
			{Name: evRejected, Src: []string{string(Handshaking)}, Dst: string(Faulted)},
			{Name: evBroken, Src: []string{string(Ready)}, Dst: string(Faulted)},
			{Name: evCooled, Src: []string{string(Faulted)}, Dst: string(Closed)},
			{Name: evReset, Src: []string{string(Handshaking), string(Ready), string(Faulted)}, Dst: string(Closed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("session state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
				if onTransition != nil {
					onTransition(State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// EnsureSession advances the session by at most one handshake and reports
// whether it can carry a publish. h is the current link handle, or nil
// when the link is not ready.
func (m *Manager) EnsureSession(ctx context.Context, now time.Time, h *link.Handle) Result {
	if h == nil {
		m.linkDown(ctx, now)
		return Result{Readiness: Pending, Err: errLinkDown}
	}

	switch m.State() {
	case Ready:
		if m.conn.Alive() {
			return Result{Readiness: Usable, Conn: m.conn}
		}
		m.discard(ctx)
		m.fire(ctx, evBroken)
		return m.fail(now, &Fault{Kind: ProtocolError, Err: errConnLost})

	case Faulted:
		if !m.budget.Permits(now) {
			return m.backingOff()
		}
		m.fire(ctx, evCooled)
		return m.handshake(ctx, now, h)

	default:
		if !m.budget.Permits(now) {
			return m.backingOff()
		}
		return m.handshake(ctx, now, h)
	}
}

// handshake runs one bounded connect attempt.
func (m *Manager) handshake(ctx context.Context, now time.Time, h *link.Handle) Result {
	m.fire(ctx, evDial)
	m.logger.Debug("session handshake started",
		"broker", m.opts.Addr, "link", h.String(), "attempt", m.budget.Failures()+1)

	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.connector.Connect(hctx, h, m.opts)
	if err != nil {
		m.fire(ctx, evRejected)
		return m.fail(now, classifyConnect(err))
	}

	m.conn = conn
	m.lastErr = nil
	if m.established {
		m.rebuilds++
	}
	m.established = true
	attempts := m.budget.Failures() + 1
	m.budget.Succeed()
	m.fire(ctx, evEstablished)
	m.logger.Info("session ready", "broker", m.opts.Addr, "after_attempts", attempts)

	if m.announcer != nil {
		if err := m.announcer.Announce(ctx, conn); err != nil {
			m.logger.Warn("session announce failed", "error", err)
		}
	}
	return Result{Readiness: Usable, Conn: conn}
}

// Publish sends msg on c. Malformed topics are rejected as fatal before
// anything is sent. A fatal fault closes the session immediately; a
// transient one leaves it ready.
func (m *Manager) Publish(ctx context.Context, c Conn, msg Message) error {
	if err := config.ValidateTopic(msg.Topic); err != nil {
		return m.publishFailed(ctx, &PublishFault{Kind: Fatal, Err: err})
	}
	if c == nil || c != m.conn || m.State() != Ready {
		return &PublishFault{Kind: Fatal, Err: errConnLost}
	}

	err := c.Publish(ctx, msg)
	if err == nil {
		return nil
	}
	var pf *PublishFault
	if !errors.As(err, &pf) {
		pf = &PublishFault{Kind: Fatal, Err: err}
	}
	return m.publishFailed(ctx, pf)
}

func (m *Manager) publishFailed(ctx context.Context, pf *PublishFault) error {
	if pf.Kind != Fatal {
		m.logger.Debug("publish failed, session kept", "error", pf.Err)
		return pf
	}
	m.logger.Warn("publish failed, closing session", "error", pf.Err)
	m.lastErr = pf
	if m.State() != Closed {
		m.discard(ctx)
		m.fire(ctx, evReset)
	}
	return pf
}

// Close retires and disconnects an open session. Used at shutdown.
func (m *Manager) Close(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	if m.announcer != nil && m.State() == Ready {
		if err := m.announcer.Retire(ctx, m.conn); err != nil {
			m.logger.Warn("session retire failed", "error", err)
		}
	}
	err := m.conn.Disconnect(ctx)
	m.conn = nil
	if m.State() != Closed {
		m.fire(ctx, evReset)
	}
	return err
}

// linkDown forces the session closed. Losing a ready session counts as a
// failure against the budget.
func (m *Manager) linkDown(ctx context.Context, now time.Time) {
	state := m.State()
	if state == Closed {
		return
	}
	m.discard(ctx)
	m.fire(ctx, evReset)
	if state == Ready {
		m.lastErr = &Fault{Kind: ProtocolError, Err: errLinkDown}
		m.budget.Fail(now)
		m.logger.Info("session closed, link down")
	}
}

// discard drops the current connection without blocking on the broker.
func (m *Manager) discard(ctx context.Context) {
	if m.conn == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := m.conn.Disconnect(dctx); err != nil {
		m.logger.Debug("session disconnect failed", "error", err)
	}
	m.conn = nil
}

func (m *Manager) fail(now time.Time, f *Fault) Result {
	m.lastErr = f
	delay := m.budget.Fail(now)
	m.logger.Warn("session attempt failed",
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
		m.logger.Error("session state machine rejected event",
			"event", event, "state", m.machine.Current(), "error", err)
	}
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() Status {
	s := Status{
		State:       m.State(),
		Broker:      m.opts.Addr,
		Failures:    m.budget.Failures(),
		Rebuilds:    m.rebuilds,
		Backoff:     m.budget.Delay(),
		NextAttempt: m.budget.NextEligible(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// classifyConnect wraps an unclassified connector error.
func classifyConnect(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Kind: HandshakeTimeout, Err: err}
	}
	return &Fault{Kind: ProtocolError, Err: err}
}
