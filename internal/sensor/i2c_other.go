//go:build !linux

package sensor

import (
	"fmt"
	"runtime"
)

// I2C is unavailable outside Linux; use the simulated bus instead.
type I2C struct{}

// OpenI2C always fails on this platform.
func OpenI2C(path string) (*I2C, error) {
	return nil, fmt.Errorf("open i2c bus %s: i2c-dev is not supported on %s", path, runtime.GOOS)
}

// Transact always fails on this platform.
func (b *I2C) Transact(addr uint16, w, r []byte) error {
	return fmt.Errorf("i2c-dev is not supported on %s", runtime.GOOS)
}

// Close is a no-op.
func (b *I2C) Close() error { return nil }
