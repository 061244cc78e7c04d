// Package payload encodes sensor samples into the versioned wire message
// published to the broker:
//
//	{"v":1,"t":23.5,"h":41.0,"ts":1773500966}
//
// t is °C, h is %RH, ts is Unix seconds. Field order is fixed. The schema
// version lets downstream consumers evolve independently; a consumer should
// reject versions it does not know.
package payload

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nugget/thermohygro/internal/sensor"
)

// SchemaVersion is the value of the "v" field.
const SchemaVersion = 1

// maxMagnitude bounds encodable values. Sensor readings are orders of
// magnitude below it.
const maxMagnitude = 1e6

// FaultKind classifies an encoding failure.
type FaultKind int

const (
	// Overflow means a value has no faithful numeric representation.
	Overflow FaultKind = iota + 1
)

func (k FaultKind) String() string {
	if k == Overflow {
		return "overflow"
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// EncodeFault is returned by [Encode].
type EncodeFault struct {
	Kind  FaultKind
	Field string
	Err   error
}

func (f *EncodeFault) Error() string {
	return fmt.Sprintf("encode %s: %s: %v", f.Field, f.Kind, f.Err)
}

func (f *EncodeFault) Unwrap() error {
	return f.Err
}

// Reading is the decoded form of a payload.
type Reading struct {
	Version     int     `json:"v"`
	Temperature float64 `json:"t"`
	Humidity    float64 `json:"h"`
	Timestamp   int64   `json:"ts"`
}

// Time returns the reading's timestamp.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// wire is the encoded form. decimal keeps a fractional part on whole
// numbers so consumers always see a JSON float.
type wire struct {
	Version     int     `json:"v"`
	Temperature decimal `json:"t"`
	Humidity    decimal `json:"h"`
	Timestamp   int64   `json:"ts"`
}

type decimal float64

func (d decimal) MarshalJSON() ([]byte, error) {
	b := strconv.AppendFloat(nil, float64(d), 'f', -1, 64)
	for _, c := range b {
		if c == '.' {
			return b, nil
		}
	}
	return append(b, '.', '0'), nil
}

// Encode serializes s. Values are rounded to the sensor's 0.01 resolution.
func Encode(s sensor.Sample) ([]byte, error) {
	t, err := quantize("t", s.Temperature)
	if err != nil {
		return nil, err
	}
	h, err := quantize("h", s.Humidity)
	if err != nil {
		return nil, err
	}
	ts := s.Timestamp.Unix()
	if ts < 0 {
		return nil, &EncodeFault{Kind: Overflow, Field: "ts", Err: fmt.Errorf("timestamp %v precedes the epoch", s.Timestamp)}
	}

	b, err := json.Marshal(wire{
		Version:     SchemaVersion,
		Temperature: decimal(t),
		Humidity:    decimal(h),
		Timestamp:   ts,
	})
	if err != nil {
		return nil, &EncodeFault{Kind: Overflow, Field: "payload", Err: err}
	}
	return b, nil
}

// Encoder adapts [Encode] to an interface-shaped dependency.
type Encoder struct{}

// Encode calls the package-level [Encode].
func (Encoder) Encode(s sensor.Sample) ([]byte, error) {
	return Encode(s)
}

// Decode parses a payload and checks its schema version.
func Decode(b []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(b, &r); err != nil {
		return Reading{}, fmt.Errorf("decode payload: %w", err)
	}
	if r.Version != SchemaVersion {
		return Reading{}, fmt.Errorf("decode payload: unsupported schema version %d", r.Version)
	}
	return r, nil
}

var errNotFinite = errors.New("not a finite number")

func quantize(field string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &EncodeFault{Kind: Overflow, Field: field, Err: errNotFinite}
	}
	if math.Abs(v) > maxMagnitude {
		return 0, &EncodeFault{Kind: Overflow, Field: field, Err: fmt.Errorf("magnitude %g exceeds %g", v, maxMagnitude)}
	}
	return math.Round(v*100) / 100, nil
}
