package sensor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestReader(bus Bus) *Reader {
	return NewReader(bus, Options{Now: func() time.Time { return fixedNow }})
}

func TestCRC8_DatasheetVector(t *testing.T) {
	t.Parallel()
	if got := crc8([]byte{0xBE, 0xEF}); got != 0x92 {
		t.Errorf("crc8(0xBEEF) = %#02x, want 0x92", got)
	}
}

func TestReader_Read(t *testing.T) {
	t.Parallel()
	bus := NewSimulatedBus(23.5, 41)
	bus.SetDrift(false)

	s, err := newTestReader(bus).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if math.Abs(s.Temperature-23.5) > 0.01 {
		t.Errorf("Temperature = %v, want 23.5±0.01", s.Temperature)
	}
	if math.Abs(s.Humidity-41) > 0.01 {
		t.Errorf("Humidity = %v, want 41±0.01", s.Humidity)
	}
	if !s.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, fixedNow)
	}
}

func TestReader_LowPower(t *testing.T) {
	t.Parallel()
	bus := NewSimulatedBus(-10, 80)
	bus.SetDrift(false)

	r := NewReader(bus, Options{LowPower: true})
	s, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if math.Abs(s.Temperature+10) > 0.01 {
		t.Errorf("Temperature = %v, want -10±0.01", s.Temperature)
	}
}

func TestReader_Faults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(b *SimulatedBus)
		ctx   func() (context.Context, context.CancelFunc)
		want  FaultKind
	}{
		{
			name:  "bus nack",
			setup: func(b *SimulatedBus) { b.FailNext(errors.New("nack")) },
			want:  BusError,
		},
		{
			name:  "crc mismatch",
			setup: func(b *SimulatedBus) { b.CorruptNext(1) },
			want:  BusError,
		},
		{
			name:  "above rated range",
			setup: func(b *SimulatedBus) { b.SetReading(128, 50) },
			want:  OutOfRange,
		},
		{
			name:  "conversion exceeds deadline",
			setup: func(b *SimulatedBus) {},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), time.Millisecond)
			},
			want: Timeout,
		},
		{
			name:  "already cancelled",
			setup: func(b *SimulatedBus) {},
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			want: Timeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := NewSimulatedBus(21, 50)
			bus.SetDrift(false)
			tt.setup(bus)

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			_, err := newTestReader(bus).Read(ctx)
			if err == nil {
				t.Fatal("Read() error = nil, want fault")
			}
			var f *Fault
			if !errors.As(err, &f) {
				t.Fatalf("Read() error %T is not *Fault", err)
			}
			if f.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", f.Kind, tt.want)
			}
			if KindOf(err) != tt.want {
				t.Errorf("KindOf() = %v, want %v", KindOf(err), tt.want)
			}
		})
	}
}

func TestReader_RecoversAfterFault(t *testing.T) {
	t.Parallel()
	bus := NewSimulatedBus(20, 40)
	bus.SetDrift(false)
	bus.CorruptNext(1)
	r := newTestReader(bus)

	if _, err := r.Read(context.Background()); KindOf(err) != BusError {
		t.Fatalf("first Read() error = %v, want bus error", err)
	}
	if _, err := r.Read(context.Background()); err != nil {
		t.Fatalf("second Read() error = %v, want nil", err)
	}
}

func TestReader_Identify(t *testing.T) {
	t.Parallel()
	id, err := newTestReader(NewSimulatedBus(20, 40)).Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if id&shtc3IDMask != shtc3IDSignature {
		t.Errorf("id = %#04x does not carry the SHTC3 signature", id)
	}
}

// sleeplessBus refuses the sleep command and passes everything else on.
type sleeplessBus struct{ Bus }

func (b sleeplessBus) Transact(addr uint16, w, r []byte) error {
	if bytes.Equal(w, cmdSleep) {
		return errors.New("nack")
	}
	return b.Bus.Transact(addr, w, r)
}

func TestReader_SleepFailureIsLoggedNotReturned(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	r := NewReader(sleeplessBus{NewSimulatedBus(20, 40)}, Options{
		Now:    func() time.Time { return fixedNow },
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	if _, err := r.Identify(context.Background()); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if _, err := r.Read(context.Background()); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n := strings.Count(logs.String(), "shtc3 sleep command failed"); n != 2 {
		t.Errorf("sleep failures logged %d times, want 2:\n%s", n, logs.String())
	}
}

func TestSample_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		s    Sample
		ok   bool
	}{
		{"nominal", Sample{Temperature: 23.5, Humidity: 41}, true},
		{"low edge", Sample{Temperature: -40, Humidity: 0}, true},
		{"high edge", Sample{Temperature: 125, Humidity: 100}, true},
		{"too cold", Sample{Temperature: -40.01, Humidity: 50}, false},
		{"too wet", Sample{Temperature: 20, Humidity: 100.5}, false},
		{"negative humidity", Sample{Temperature: 20, Humidity: -1}, false},
	}
	for _, tt := range tests {
		if err := tt.s.Validate(); (err == nil) != tt.ok {
			t.Errorf("%s: Validate() error = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestFaultKind_String(t *testing.T) {
	t.Parallel()
	for kind, want := range map[FaultKind]string{
		Timeout:    "timeout",
		BusError:   "bus_error",
		OutOfRange: "out_of_range",
	} {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(kind), kind.String(), want)
		}
	}
}
