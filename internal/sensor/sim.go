package sensor

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// SimulatedBus emulates an SHTC3 on the bus. Readings follow a slow
// random walk around the configured set point. Faults can be injected
// for tests and demos.
type SimulatedBus struct {
	mu sync.Mutex

	temperature float64
	humidity    float64
	drift       bool
	rng         *rand.Rand

	id      uint16
	latency time.Duration
	pending []byte // response to the last command
	fail    []error
	corrupt int
}

// NewSimulatedBus returns a bus whose sensor reports temperature (°C) and
// humidity (%RH). Drift is enabled; disable it with [SimulatedBus.SetDrift].
func NewSimulatedBus(temperature, humidity float64) *SimulatedBus {
	return &SimulatedBus{
		temperature: temperature,
		humidity:    humidity,
		drift:       true,
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5348_5443)),
		id:          0x0887,
	}
}

// SetReading fixes the emulated climate.
func (s *SimulatedBus) SetReading(temperature, humidity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = temperature
	s.humidity = humidity
}

// SetDrift enables or disables the random walk.
func (s *SimulatedBus) SetDrift(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = on
}

// SetLatency delays every transaction by d.
func (s *SimulatedBus) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next transaction return err.
func (s *SimulatedBus) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = append(s.fail, err)
}

// CorruptNext flips a CRC bit in the next n measurement responses.
func (s *SimulatedBus) CorruptNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt += n
}

// Transact implements [Bus].
func (s *SimulatedBus) Transact(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if len(s.fail) > 0 {
		err := s.fail[0]
		s.fail = s.fail[1:]
		return err
	}
	if addr != DefaultAddress {
		return errors.New("nack")
	}

	switch {
	case len(w) == 0:
	case bytes.Equal(w, cmdMeasureNormal), bytes.Equal(w, cmdMeasureLowPwr):
		s.pending = s.measure()
	case bytes.Equal(w, cmdReadID):
		s.pending = word(s.id)
	case bytes.Equal(w, cmdWakeup), bytes.Equal(w, cmdSleep):
		s.pending = nil
	default:
		return errors.New("nack: unknown command")
	}

	if len(r) > 0 {
		if len(s.pending) < len(r) {
			return errors.New("nack: no data ready")
		}
		copy(r, s.pending)
		s.pending = nil
	}
	return nil
}

// measure encodes the current climate as a 6-byte measurement response.
// Must be called with s.mu held.
func (s *SimulatedBus) measure() []byte {
	if s.drift {
		s.temperature += (s.rng.Float64() - 0.5) * 0.1
		s.humidity = math.Min(100, math.Max(0, s.humidity+(s.rng.Float64()-0.5)*0.4))
	}

	rawT := clampRaw((s.temperature + 45) * 65536 / 175)
	rawH := clampRaw(s.humidity * 65536 / 100)
	out := append(word(rawT), word(rawH)...)

	if s.corrupt > 0 {
		s.corrupt--
		out[2] ^= 0x01
	}
	return out
}

// word encodes v big-endian followed by its CRC.
func word(v uint16) []byte {
	b := []byte{byte(v >> 8), byte(v)}
	return append(b, crc8(b))
}

func clampRaw(v float64) uint16 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
