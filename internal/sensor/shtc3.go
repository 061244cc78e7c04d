package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Bus is the I²C capability the reader needs. Transact writes w to the
// device at addr and then reads len(r) bytes into r. Either slice may be
// empty. Implementations must return within a bounded time.
type Bus interface {
	Transact(addr uint16, w, r []byte) error
}

// DefaultAddress is the fixed SHTC3 I²C address.
const DefaultAddress = 0x70

// SHTC3 command words.
var (
	cmdWakeup        = []byte{0x35, 0x17}
	cmdSleep         = []byte{0xB0, 0x98}
	cmdReadID        = []byte{0xEF, 0xC8}
	cmdMeasureNormal = []byte{0x78, 0x66} // T first, no clock stretching
	cmdMeasureLowPwr = []byte{0x60, 0x9C} // T first, no clock stretching
)

// Datasheet timings.
const (
	wakeupTime          = 240 * time.Microsecond
	conversionNormal    = 12100 * time.Microsecond
	conversionLowPower  = 800 * time.Microsecond
	shtc3IDMask         = 0x083F
	shtc3IDSignature    = 0x0807
	measurementResponse = 6
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Options configures a [Reader].
type Options struct {
	// Address is the 7-bit device address (default: 0x70).
	Address uint16
	// LowPower selects the low-power measurement mode: faster conversion,
	// lower repeatability.
	LowPower bool
	// Now returns the timestamp stamped on each sample (default: time.Now).
	Now func() time.Time
	// Logger for trace output. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Reader performs SHTC3 measurements on an exclusively owned bus.
type Reader struct {
	bus    Bus
	addr   uint16
	lowPwr bool
	now    func() time.Time
	logger *slog.Logger
}

// NewReader creates a Reader for the sensor on bus.
func NewReader(bus Bus, opts Options) *Reader {
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		bus:    bus,
		addr:   opts.Address,
		lowPwr: opts.LowPower,
		now:    opts.Now,
		logger: opts.Logger,
	}
}

// Read performs one complete measurement. The caller bounds the duration
// with ctx; an expired or cancelled ctx yields a [Timeout] fault.
func (r *Reader) Read(ctx context.Context) (Sample, error) {
	if err := r.tx(ctx, cmdWakeup, nil); err != nil {
		return Sample{}, err
	}
	if err := sleepCtx(ctx, wakeupTime); err != nil {
		return Sample{}, err
	}

	cmd, conversion := cmdMeasureNormal, conversionNormal
	if r.lowPwr {
		cmd, conversion = cmdMeasureLowPwr, conversionLowPower
	}
	if err := r.tx(ctx, cmd, nil); err != nil {
		return Sample{}, err
	}
	if err := sleepCtx(ctx, conversion); err != nil {
		return Sample{}, err
	}

	var buf [measurementResponse]byte
	if err := r.tx(ctx, nil, buf[:]); err != nil {
		return Sample{}, err
	}

	// Put the sensor back to sleep between ticks. A failure here does not
	// invalidate the measurement we already hold.
	if err := r.bus.Transact(r.addr, cmdSleep, nil); err != nil {
		r.logger.Debug("shtc3 sleep command failed", "error", err)
	}

	rawT, err := checkedWord(buf[0:3])
	if err != nil {
		return Sample{}, &Fault{Kind: BusError, Err: fmt.Errorf("temperature word: %w", err)}
	}
	rawH, err := checkedWord(buf[3:6])
	if err != nil {
		return Sample{}, &Fault{Kind: BusError, Err: fmt.Errorf("humidity word: %w", err)}
	}

	s := Sample{
		Temperature: convertTemperature(rawT),
		Humidity:    convertHumidity(rawH),
		Timestamp:   r.now(),
	}
	r.logger.Log(ctx, levelTrace, "shtc3 measurement",
		"raw_t", rawT, "raw_h", rawH,
		"temperature", s.Temperature, "humidity", s.Humidity)

	if err := s.Validate(); err != nil {
		return Sample{}, &Fault{Kind: OutOfRange, Err: err}
	}
	return s, nil
}

// Identify reads the sensor's ID register and checks the SHTC3 signature.
func (r *Reader) Identify(ctx context.Context) (uint16, error) {
	if err := r.tx(ctx, cmdWakeup, nil); err != nil {
		return 0, err
	}
	if err := sleepCtx(ctx, wakeupTime); err != nil {
		return 0, err
	}

	var buf [3]byte
	if err := r.tx(ctx, cmdReadID, buf[:]); err != nil {
		return 0, err
	}
	if err := r.bus.Transact(r.addr, cmdSleep, nil); err != nil {
		r.logger.Debug("shtc3 sleep command failed", "error", err)
	}

	id, err := checkedWord(buf[:])
	if err != nil {
		return 0, &Fault{Kind: BusError, Err: fmt.Errorf("id word: %w", err)}
	}
	if id&shtc3IDMask != shtc3IDSignature {
		return id, fmt.Errorf("device id %#04x is not an SHTC3", id)
	}
	return id, nil
}

// tx runs one bus transaction after checking ctx, classifying failures.
func (r *Reader) tx(ctx context.Context, w, rd []byte) error {
	if err := ctx.Err(); err != nil {
		return &Fault{Kind: Timeout, Err: err}
	}
	if err := r.bus.Transact(r.addr, w, rd); err != nil {
		return &Fault{Kind: BusError, Err: err}
	}
	return nil
}

// sleepCtx waits for d or until ctx is done, returning a Timeout fault in
// the latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Fault{Kind: Timeout, Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

var errCRC = errors.New("crc mismatch")

// checkedWord decodes a big-endian 16-bit word followed by its CRC-8.
func checkedWord(b []byte) (uint16, error) {
	if crc8(b[:2]) != b[2] {
		return 0, fmt.Errorf("%w: got %#02x, want %#02x", errCRC, b[2], crc8(b[:2]))
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// crc8 is the Sensirion CRC: polynomial 0x31, init 0xFF, no reflection.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func convertTemperature(raw uint16) float64 {
	return -45 + 175*float64(raw)/65536
}

func convertHumidity(raw uint16) float64 {
	return 100 * float64(raw) / 65536
}
