// Package sensor reads temperature and relative humidity from an SHTC3-class
// sensor on an I²C bus.
//
// The [Reader] performs one bounded measurement transaction per call and
// returns either a validated [Sample] or a typed [*Fault]. It never retries:
// retry policy belongs to the caller.
package sensor

import (
	"errors"
	"fmt"
	"time"
)

// Rated measurement range. Readings outside it are reported as
// [OutOfRange] faults rather than published.
const (
	MinTemperature = -40.0
	MaxTemperature = 125.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
)

// Sample is one validated reading. It is immutable once created.
type Sample struct {
	Temperature float64   // degrees Celsius
	Humidity    float64   // percent relative humidity
	Timestamp   time.Time // when the measurement completed
}

// Validate checks the sample against the rated range.
func (s Sample) Validate() error {
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f°C outside %.0f..%.0f", s.Temperature, MinTemperature, MaxTemperature)
	}
	if s.Humidity < MinHumidity || s.Humidity > MaxHumidity {
		return fmt.Errorf("humidity %.2f%% outside %.0f..%.0f", s.Humidity, MinHumidity, MaxHumidity)
	}
	return nil
}

// FaultKind classifies a sensor failure.
type FaultKind int

const (
	// Timeout means the measurement did not complete within its bound.
	Timeout FaultKind = iota + 1
	// BusError means the bus transaction failed or returned corrupt data.
	BusError
	// OutOfRange means the sensor answered with a value outside its rating.
	OutOfRange
)

func (k FaultKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case BusError:
		return "bus_error"
	case OutOfRange:
		return "out_of_range"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault is the error returned by [Reader.Read].
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "sensor " + f.Kind.String()
	}
	return "sensor " + f.Kind.String() + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// KindOf returns the fault kind carried by err, or zero if err is not a
// sensor fault.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
