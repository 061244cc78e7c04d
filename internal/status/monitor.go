package status

import (
	"sync"
	"time"

	"github.com/nugget/thermohygro/internal/buildinfo"
	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/session"
	"github.com/nugget/thermohygro/internal/supervisor"
)

// SampleView is the last reading, for JSON output.
type SampleView struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is the JSON health document served by the status endpoint.
type Snapshot struct {
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	Healthy     bool            `json:"healthy"`
	LastTick    time.Time       `json:"last_tick"`
	LastOutcome string          `json:"last_outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LastPublish time.Time       `json:"last_publish"`
	LastSample  *SampleView     `json:"last_sample,omitempty"`
	Ticks       int             `json:"ticks"`
	Publishes   int             `json:"publishes"`
	Skipped     map[string]int  `json:"skipped,omitempty"`
	Link        *link.Status    `json:"link,omitempty"`
	Session     *session.Status `json:"session,omitempty"`
}

// MonitorOptions configures a [Monitor].
type MonitorOptions struct {
	// Interval is the supervisor tick period; health allows three missed
	// publishes.
	Interval time.Duration

	// LinkStatus and SessionStatus are sampled on the supervisor
	// goroutine after every tick. Optional.
	LinkStatus    func() link.Status
	SessionStatus func() session.Status

	// Now is the health clock (default: time.Now).
	Now func() time.Time
}

// Monitor records every tick into the metrics and into a snapshot that
// the HTTP server reads concurrently. It implements [supervisor.Recorder].
type Monitor struct {
	metrics *Metrics
	opts    MonitorOptions
	started time.Time

	mu   sync.Mutex
	snap Snapshot
}

// NewMonitor creates a Monitor feeding m.
func NewMonitor(m *Metrics, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		metrics: m,
		opts:    opts,
		started: opts.Now(),
		snap:    Snapshot{Skipped: make(map[string]int)},
	}
}

// Metrics returns the underlying collectors.
func (mon *Monitor) Metrics() *Metrics {
	return mon.metrics
}

// Record implements [supervisor.Recorder].
func (mon *Monitor) Record(r supervisor.Report) {
	mon.metrics.Record(r)

	var ls *link.Status
	if mon.opts.LinkStatus != nil {
		s := mon.opts.LinkStatus()
		ls = &s
	}
	var ss *session.Status
	if mon.opts.SessionStatus != nil {
		s := mon.opts.SessionStatus()
		ss = &s
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()

	mon.snap.Ticks++
	mon.snap.LastTick = r.Time
	mon.snap.LastOutcome = string(r.Outcome)
	mon.snap.LastError = ""
	if r.Err != nil {
		mon.snap.LastError = r.Err.Error()
	}
	if r.Sample != nil {
		mon.snap.LastSample = &SampleView{
			Temperature: r.Sample.Temperature,
			Humidity:    r.Sample.Humidity,
			Timestamp:   r.Sample.Timestamp,
		}
	}
	if n := r.Delivered(); n > 0 {
		mon.snap.Publishes += n
		mon.snap.LastPublish = r.Time
	}
	if r.Outcome.Skipped() {
		mon.snap.Skipped[string(r.Outcome)]++
	}
	mon.snap.Link = ls
	mon.snap.Session = ss
}

// Snapshot returns a copy of the current health document.
func (mon *Monitor) Snapshot() Snapshot {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	s := mon.snap
	s.Skipped = make(map[string]int, len(mon.snap.Skipped))
	for k, v := range mon.snap.Skipped {
		s.Skipped[k] = v
	}
	s.Version = buildinfo.Version
	s.Uptime = buildinfo.Uptime().String()
	s.Healthy = mon.healthyLocked()
	return s
}

// Healthy reports whether a publish succeeded within the last three
// intervals. A freshly started agent gets the same grace period.
func (mon *Monitor) Healthy() bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.healthyLocked()
}

func (mon *Monitor) healthyLocked() bool {
	ref := mon.snap.LastPublish
	if ref.IsZero() {
		ref = mon.started
	}
	return mon.opts.Now().Sub(ref) < 3*mon.opts.Interval
}
