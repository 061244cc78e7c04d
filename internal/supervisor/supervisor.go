// Package supervisor drives the telemetry loop: once per interval it
// brings up the link, then the session, reads the sensor, encodes the
// sample and publishes it.
//
// Every fault is absorbed into the tick's [Report]. Nothing returned by a
// collaborator ends the loop; only context cancellation does.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/sensor"
	"github.com/nugget/thermohygro/internal/session"
)

// LinkManager is the subset of [link.Manager] the supervisor uses.
type LinkManager interface {
	EnsureReady(ctx context.Context, now time.Time) link.Result
}

// SessionManager is the subset of [session.Manager] the supervisor uses.
type SessionManager interface {
	EnsureSession(ctx context.Context, now time.Time, h *link.Handle) session.Result
	Publish(ctx context.Context, c session.Conn, msg session.Message) error
	Close(ctx context.Context) error
}

// Reader produces one sample per call.
type Reader interface {
	Read(ctx context.Context) (sensor.Sample, error)
}

// Encoder turns a sample into the wire payload.
type Encoder interface {
	Encode(s sensor.Sample) ([]byte, error)
}

// Recorder observes every tick report. Implementations must not block.
type Recorder interface {
	Record(r Report)
}

// Options configures a [Supervisor].
type Options struct {
	// Interval is the tick period (default: 10s).
	Interval time.Duration
	// SensorTimeout bounds one measurement (default: 100ms).
	SensorTimeout time.Duration
	// CloseTimeout bounds the orderly session close on shutdown (default: 2s).
	CloseTimeout time.Duration

	Topic string
	QoS   byte

	// Recorder is optional.
	Recorder Recorder
	// Now is the tick clock (default: time.Now).
	Now func() time.Time
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Supervisor sequences the collaborators. It is driven by a single
// goroutine; Tick must not be called concurrently.
type Supervisor struct {
	link    LinkManager
	session SessionManager
	reader  Reader
	encoder Encoder
	opts    Options
	logger  *slog.Logger

	// held is a payload whose publish failed transiently. It is retried
	// once on the next usable tick and then released.
	held []byte

	lastOutcome Outcome
	skipLogs    map[Outcome]*rate.Sometimes
}

// New creates a Supervisor.
func New(lm LinkManager, sm SessionManager, r Reader, enc Encoder, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.SensorTimeout <= 0 {
		opts.SensorTimeout = 100 * time.Millisecond
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		link:     lm,
		session:  sm,
		reader:   r,
		encoder:  enc,
		opts:     opts,
		logger:   opts.Logger,
		skipLogs: make(map[Outcome]*rate.Sometimes),
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Ticks never overlap: a slow tick delays the next one. On the way out the
// session is closed so the broker sees an orderly disconnect.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("telemetry loop started",
		"interval", s.opts.Interval.String(),
		"topic", s.opts.Topic,
		"qos", s.opts.QoS,
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx, s.opts.Now())
	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.opts.Now())
		}
	}
}

func (s *Supervisor) shutdown(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloseTimeout)
	defer cancel()
	if err := s.session.Close(cctx); err != nil {
		s.logger.Warn("session close failed", "error", err)
	}
	s.logger.Info("telemetry loop stopped")
}

// Tick runs one full cycle and reports what happened.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) Report {
	rep := s.tick(ctx, now)
	s.observe(rep)
	if s.opts.Recorder != nil {
		s.opts.Recorder.Record(rep)
	}
	return rep
}

func (s *Supervisor) tick(ctx context.Context, now time.Time) Report {
	rep := Report{Time: now}

	lr := s.link.EnsureReady(ctx, now)
	rep.Link = lr.Readiness
	if lr.Readiness != link.Ready {
		// The session must never outlive the link.
		rep.Session = s.session.EnsureSession(ctx, now, nil).Readiness
		return rep.skip(SkippedLink, lr.Err)
	}

	sr := s.session.EnsureSession(ctx, now, lr.Handle)
	rep.Session = sr.Readiness
	if sr.Readiness != session.Usable {
		return rep.skip(SkippedSession, sr.Err)
	}

	if held := s.held; held != nil {
		s.held = nil
		rep.Retried = true
		err := s.publish(ctx, sr.Conn, held)
		switch {
		case err == nil:
			rep.HeldDelivered = true
			s.logger.Info("held payload delivered", "bytes", len(held))
		case session.IsFatal(err):
			rep.Session = session.Pending
			rep.Outcome, rep.Err = PublishFatal, err
			return rep
		default:
			s.logger.Warn("held payload released after second failure", "error", err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.SensorTimeout)
	sample, err := s.reader.Read(rctx)
	cancel()
	if err != nil {
		return rep.skip(SkippedSensor, err)
	}
	rep.Sample = &sample

	b, err := s.encoder.Encode(sample)
	if err != nil {
		return rep.skip(SkippedEncode, err)
	}
	rep.Payload = b

	err = s.publish(ctx, sr.Conn, b)
	switch {
	case err == nil:
		rep.Outcome = Published
	case session.IsFatal(err):
		rep.Session = session.Pending
		rep.Outcome, rep.Err = PublishFatal, err
	default:
		s.held = b
		rep.Outcome, rep.Err = PublishTransient, err
	}
	return rep
}

func (s *Supervisor) publish(ctx context.Context, c session.Conn, b []byte) error {
	return s.session.Publish(ctx, c, session.Message{
		Topic:   s.opts.Topic,
		Payload: b,
		QoS:     s.opts.QoS,
	})
}

// observe logs the report. Repeated skips of the same kind are throttled;
// changes of outcome always log.
func (s *Supervisor) observe(rep Report) {
	changed := rep.Outcome != s.lastOutcome
	s.lastOutcome = rep.Outcome

	switch rep.Outcome {
	case Published:
		if changed {
			s.logger.Info("publishing", "link", rep.Link.String(), "session", rep.Session.String())
		}
		s.logger.Debug("published",
			"temperature", rep.Sample.Temperature,
			"humidity", rep.Sample.Humidity,
			"payload", string(rep.Payload),
		)

	case PublishTransient, PublishFatal:
		s.logger.Warn("publish failed", "outcome", string(rep.Outcome), "error", rep.Err)

	default:
		st, ok := s.skipLogs[rep.Outcome]
		if !ok || changed {
			st = &rate.Sometimes{First: 3, Interval: time.Minute}
			s.skipLogs[rep.Outcome] = st
		}
		st.Do(func() {
			s.logger.Info("tick skipped",
				"reason", string(rep.Outcome),
				"link", rep.Link.String(),
				"session", rep.Session.String(),
				"error", rep.Err,
			)
		})
	}
}
