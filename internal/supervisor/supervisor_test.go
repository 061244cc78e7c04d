package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/payload"
	"github.com/nugget/thermohygro/internal/sensor"
	"github.com/nugget/thermohygro/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var tickTime = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

const topic = "thermohygro/lab/measurement"

var handle = &link.Handle{Interface: "wlan0", LocalAddr: net.IPv4(192, 168, 4, 20)}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLink struct {
	results []link.Result // consumed in order; the last one repeats
}

func (f *fakeLink) EnsureReady(context.Context, time.Time) link.Result {
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

func linkUp() *fakeLink {
	return &fakeLink{results: []link.Result{{Readiness: link.Ready, Handle: handle}}}
}

type fakeConn struct{}

func (fakeConn) Publish(context.Context, session.Message) error { return nil }
func (fakeConn) Alive() bool                                    { return true }
func (fakeConn) Disconnect(context.Context) error               { return nil }

type fakeSession struct {
	readiness   session.Readiness
	handles     []*link.Handle
	publishErrs []error
	published   []session.Message
	closed      int
}

func (f *fakeSession) EnsureSession(_ context.Context, _ time.Time, h *link.Handle) session.Result {
	f.handles = append(f.handles, h)
	if h == nil || f.readiness != session.Usable {
		return session.Result{Readiness: session.Pending, Err: errors.New("not ready")}
	}
	return session.Result{Readiness: session.Usable, Conn: fakeConn{}}
}

func (f *fakeSession) Publish(_ context.Context, _ session.Conn, msg session.Message) error {
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeSession) Close(context.Context) error {
	f.closed++
	return nil
}

type fakeReader struct {
	errs   []error
	sample sensor.Sample
	reads  int
}

func (f *fakeReader) Read(ctx context.Context) (sensor.Sample, error) {
	f.reads++
	if _, ok := ctx.Deadline(); !ok {
		return sensor.Sample{}, errors.New("read without a deadline")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return sensor.Sample{}, err
	}
	return f.sample, nil
}

func labSample() sensor.Sample {
	return sensor.Sample{Temperature: 23.5, Humidity: 41.0, Timestamp: tickTime}
}

type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (l *reportLog) Record(r Report) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *reportLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reports)
}

func newTestSupervisor(lm LinkManager, sm SessionManager, r Reader, rec Recorder) *Supervisor {
	return New(lm, sm, r, payload.Encoder{}, Options{
		Interval: 10 * time.Second,
		Topic:    topic,
		Recorder: rec,
		Logger:   discardLogger(),
	})
}

func TestTick_PublishesReading(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{readiness: session.Usable}
	rec := &reportLog{}
	s := newTestSupervisor(linkUp(), sess, &fakeReader{sample: labSample()}, rec)

	rep := s.Tick(context.Background(), tickTime)
	if rep.Outcome != Published {
		t.Fatalf("Outcome = %q, err = %v", rep.Outcome, rep.Err)
	}
	if len(sess.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(sess.published))
	}
	msg := sess.published[0]
	if msg.Topic != topic {
		t.Errorf("Topic = %q, want %q", msg.Topic, topic)
	}
	want := `{"v":1,"t":23.5,"h":41.0,"ts":1773500966}`
	if string(msg.Payload) != want {
		t.Errorf("Payload = %s, want %s", msg.Payload, want)
	}
	if sess.handles[0] != handle {
		t.Error("session did not receive the link handle")
	}
	if rec.len() != 1 {
		t.Errorf("recorder saw %d reports, want 1", rec.len())
	}
}

func TestTick_LinkDownSkipsAndClosesSession(t *testing.T) {
	t.Parallel()
	lm := &fakeLink{results: []link.Result{{Readiness: link.Pending, Err: errors.New("associating")}}}
	sess := &fakeSession{readiness: session.Usable}
	reader := &fakeReader{sample: labSample()}
	s := newTestSupervisor(lm, sess, reader, nil)

	for i := 0; i < 3; i++ {
		rep := s.Tick(context.Background(), tickTime.Add(time.Duration(i)*10*time.Second))
		if rep.Outcome != SkippedLink {
			t.Fatalf("tick %d: Outcome = %q, want link", i, rep.Outcome)
		}
		if rep.Session == session.Usable {
			t.Fatalf("tick %d: session usable while link down", i)
		}
	}
	for i, h := range sess.handles {
		if h != nil {
			t.Errorf("EnsureSession call %d got a handle while link down", i)
		}
	}
	if reader.reads != 0 || len(sess.published) != 0 {
		t.Errorf("reads = %d, publishes = %d, want none", reader.reads, len(sess.published))
	}
}

func TestTick_SessionNotReadySkips(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{readiness: session.Pending}
	reader := &fakeReader{sample: labSample()}
	s := newTestSupervisor(linkUp(), sess, reader, nil)

	rep := s.Tick(context.Background(), tickTime)
	if rep.Outcome != SkippedSession {
		t.Fatalf("Outcome = %q, want session", rep.Outcome)
	}
	if reader.reads != 0 {
		t.Error("sensor read without a session")
	}
}

func TestTick_SensorFaultsAreIsolated(t *testing.T) {
	t.Parallel()
	timeout := &sensor.Fault{Kind: sensor.Timeout, Err: context.DeadlineExceeded}
	reader := &fakeReader{
		errs:   []error{timeout, timeout, timeout, timeout, timeout},
		sample: labSample(),
	}
	sess := &fakeSession{readiness: session.Usable}
	s := newTestSupervisor(linkUp(), sess, reader, nil)

	var got []Outcome
	for i := 0; i < 6; i++ {
		got = append(got, s.Tick(context.Background(), tickTime.Add(time.Duration(i)*10*time.Second)).Outcome)
	}

	want := []Outcome{SkippedSensor, SkippedSensor, SkippedSensor, SkippedSensor, SkippedSensor, Published}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	for i, h := range sess.handles {
		if h == nil {
			t.Errorf("tick %d: session torn down by a sensor fault", i)
		}
	}
	if sess.closed != 0 {
		t.Errorf("session closed %d times", sess.closed)
	}
}

func TestTick_EncodeFaultSkips(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{sample: sensor.Sample{Temperature: math.NaN(), Humidity: 41, Timestamp: tickTime}}
	sess := &fakeSession{readiness: session.Usable}
	s := newTestSupervisor(linkUp(), sess, reader, nil)

	rep := s.Tick(context.Background(), tickTime)
	if rep.Outcome != SkippedEncode {
		t.Fatalf("Outcome = %q, want encode", rep.Outcome)
	}
	var ef *payload.EncodeFault
	if !errors.As(rep.Err, &ef) || ef.Kind != payload.Overflow {
		t.Errorf("Err = %v, want overflow", rep.Err)
	}
	if len(sess.published) != 0 {
		t.Error("published despite encode fault")
	}
}

func TestTick_TransientPublishHeldOnce(t *testing.T) {
	t.Parallel()
	transient := &session.PublishFault{Kind: session.Transient, Err: errors.New("puback timeout")}
	sess := &fakeSession{readiness: session.Usable, publishErrs: []error{transient}}
	s := newTestSupervisor(linkUp(), sess, &fakeReader{sample: labSample()}, nil)
	ctx := context.Background()

	if rep := s.Tick(ctx, tickTime); rep.Outcome != PublishTransient {
		t.Fatalf("first Outcome = %q, want publish_transient", rep.Outcome)
	}
	rep := s.Tick(ctx, tickTime.Add(10*time.Second))
	if rep.Outcome != Published || !rep.Retried {
		t.Fatalf("second tick = %q retried=%v, want published with retry", rep.Outcome, rep.Retried)
	}
	if len(sess.published) != 2 {
		t.Fatalf("published %d messages, want held + fresh", len(sess.published))
	}
	if rep.Delivered() != 2 {
		t.Errorf("Delivered() = %d, want 2", rep.Delivered())
	}

	if rep := s.Tick(ctx, tickTime.Add(20*time.Second)); rep.Retried {
		t.Error("held payload retried more than once")
	}
}

func TestTick_HeldPayloadDeliveredOnSensorFault(t *testing.T) {
	t.Parallel()
	transient := &session.PublishFault{Kind: session.Transient, Err: errors.New("puback timeout")}
	sess := &fakeSession{readiness: session.Usable, publishErrs: []error{transient}}
	reader := &fakeReader{sample: labSample()}
	s := newTestSupervisor(linkUp(), sess, reader, nil)
	ctx := context.Background()

	s.Tick(ctx, tickTime)
	reader.errs = []error{&sensor.Fault{Kind: sensor.Timeout}}
	rep := s.Tick(ctx, tickTime.Add(10*time.Second))
	if rep.Outcome != SkippedSensor || !rep.HeldDelivered {
		t.Fatalf("second tick = %q held_delivered=%v, want sensor skip with delivery", rep.Outcome, rep.HeldDelivered)
	}
	if got := rep.Delivered(); got != 1 {
		t.Errorf("Delivered() = %d, want 1", got)
	}
	if len(sess.published) != 1 {
		t.Errorf("published %d messages, want the held one", len(sess.published))
	}
}

func TestTick_HeldPayloadReleasedAfterSecondFailure(t *testing.T) {
	t.Parallel()
	transient := &session.PublishFault{Kind: session.Transient, Err: errors.New("quota exceeded")}
	sess := &fakeSession{readiness: session.Usable, publishErrs: []error{transient, transient}}
	s := newTestSupervisor(linkUp(), sess, &fakeReader{sample: labSample()}, nil)
	ctx := context.Background()

	s.Tick(ctx, tickTime)
	rep := s.Tick(ctx, tickTime.Add(10*time.Second))
	if !rep.Retried || rep.HeldDelivered || rep.Outcome != Published {
		t.Fatalf("second tick = %q retried=%v held_delivered=%v", rep.Outcome, rep.Retried, rep.HeldDelivered)
	}
	if len(sess.published) != 1 {
		t.Errorf("published %d messages, want only the fresh one", len(sess.published))
	}
	if s.held != nil {
		t.Error("payload still held after its retry")
	}
}

func TestTick_FatalPublish(t *testing.T) {
	t.Parallel()
	fatal := &session.PublishFault{Kind: session.Fatal, Err: errors.New("not authorized")}
	sess := &fakeSession{readiness: session.Usable, publishErrs: []error{fatal}}
	s := newTestSupervisor(linkUp(), sess, &fakeReader{sample: labSample()}, nil)

	rep := s.Tick(context.Background(), tickTime)
	if rep.Outcome != PublishFatal {
		t.Fatalf("Outcome = %q, want publish_fatal", rep.Outcome)
	}
	if rep.Session == session.Usable {
		t.Error("report still shows a usable session after fatal publish")
	}
	if s.held != nil {
		t.Error("fatal publish must not hold the payload")
	}
}

func TestRun_TicksAndCloses(t *testing.T) {
	sess := &fakeSession{readiness: session.Usable}
	rec := &reportLog{}
	s := New(linkUp(), sess, &fakeReader{sample: labSample()}, payload.Encoder{}, Options{
		Interval: 5 * time.Millisecond,
		Topic:    topic,
		Recorder: rec,
		Logger:   discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.len() < 3 {
		t.Errorf("recorded %d ticks, want at least 3", rec.len())
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times, want 1", sess.closed)
	}
}

// connector hands out fake connections for the integration test.
type connector struct {
	conns []*trackedConn
}

type trackedConn struct {
	published    int
	disconnected bool
}

func (c *trackedConn) Publish(context.Context, session.Message) error { c.published++; return nil }
func (c *trackedConn) Alive() bool                                    { return !c.disconnected }
func (c *trackedConn) Disconnect(context.Context) error               { c.disconnected = true; return nil }

func (c *connector) Connect(context.Context, *link.Handle, session.Options) (session.Conn, error) {
	tc := &trackedConn{}
	c.conns = append(c.conns, tc)
	return tc, nil
}

func TestTick_LinkDropMidSession(t *testing.T) {
	t.Parallel()
	now := tickTime
	clock := func() time.Time { return now }

	radio := link.NewSimulatedRadio(0, clock)
	lm := link.NewManager(radio, link.Options{Logger: discardLogger()})
	conn := &connector{}
	sm := session.NewManager(session.ManagerOptions{
		Connector: conn,
		Connect:   session.Options{Addr: "broker:1883", ClientID: "thermohygro"},
		Logger:    discardLogger(),
	})
	reader := sensor.NewReader(sensor.NewSimulatedBus(23.5, 41), sensor.Options{Now: clock, Logger: discardLogger()})
	s := New(lm, sm, reader, payload.Encoder{}, Options{Topic: topic, Logger: discardLogger()})
	ctx := context.Background()

	step := func() Outcome {
		rep := s.Tick(ctx, now)
		now = now.Add(10 * time.Second)
		return rep.Outcome
	}

	// Association starts, then completes and publishes.
	got := []Outcome{step(), step()}
	if len(conn.conns) != 1 || conn.conns[0].published != 1 {
		t.Fatalf("after connect: conns = %d", len(conn.conns))
	}

	radio.Drop(errors.New("beacon loss"))
	got = append(got, step())
	if !conn.conns[0].disconnected {
		t.Error("session not torn down when the link dropped")
	}
	if sm.State() != session.Closed {
		t.Errorf("session State() = %q, want closed", sm.State())
	}

	got = append(got, step(), step())
	want := []Outcome{SkippedLink, Published, SkippedLink, SkippedLink, Published}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	if len(conn.conns) != 2 || conn.conns[1].published != 1 {
		t.Errorf("expected a fresh session after reconnect, conns = %d", len(conn.conns))
	}
}
