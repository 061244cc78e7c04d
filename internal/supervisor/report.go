package supervisor

import (
	"time"

	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/sensor"
	"github.com/nugget/thermohygro/internal/session"
)

// Outcome summarises a tick.
type Outcome string

const (
	Published        Outcome = "published"
	SkippedLink      Outcome = "link"
	SkippedSession   Outcome = "session"
	SkippedSensor    Outcome = "sensor"
	SkippedEncode    Outcome = "encode"
	PublishTransient Outcome = "publish_transient"
	PublishFatal     Outcome = "publish_fatal"
)

// Skipped reports whether the tick ended before a publish was attempted.
func (o Outcome) Skipped() bool {
	switch o {
	case SkippedLink, SkippedSession, SkippedSensor, SkippedEncode:
		return true
	}
	return false
}

// Report describes one tick.
type Report struct {
	Time    time.Time
	Outcome Outcome

	Link    link.Readiness
	Session session.Readiness

	// Sample is set once the sensor produced a reading.
	Sample *sensor.Sample
	// Payload is set once the sample was encoded.
	Payload []byte
	// Retried is set when a held payload was republished this tick.
	Retried bool
	// HeldDelivered is set when that republish reached the broker,
	// whatever became of this tick's own reading.
	HeldDelivered bool

	// Err is the fault that decided the outcome, if any.
	Err error
}

// Delivered returns how many payloads reached the broker this tick.
func (r Report) Delivered() int {
	n := 0
	if r.HeldDelivered {
		n++
	}
	if r.Outcome == Published {
		n++
	}
	return n
}

func (r Report) skip(o Outcome, err error) Report {
	r.Outcome = o
	r.Err = err
	return r
}
