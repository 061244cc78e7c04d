//go:build linux

package sensor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

// I2C is a Linux i2c-dev bus handle.
type I2C struct {
	path string

	mu   sync.Mutex
	fd   int
	addr uint16 // currently selected slave, 0 if none
}

// OpenI2C opens an i2c-dev character device such as /dev/i2c-1.
func OpenI2C(path string) (*I2C, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %s: %w", path, err)
	}
	return &I2C{path: path, fd: fd}, nil
}

// Transact selects addr, writes w, then reads len(r) bytes.
func (b *I2C) Transact(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fd < 0 {
		return fmt.Errorf("i2c bus %s closed", b.path)
	}
	if b.addr != addr {
		if err := unix.IoctlSetInt(b.fd, i2cSlave, int(addr)); err != nil {
			return fmt.Errorf("select i2c address %#02x: %w", addr, err)
		}
		b.addr = addr
	}
	if len(w) > 0 {
		n, err := unix.Write(b.fd, w)
		if err != nil {
			return fmt.Errorf("i2c write to %#02x: %w", addr, err)
		}
		if n != len(w) {
			return fmt.Errorf("i2c write to %#02x: short write %d/%d", addr, n, len(w))
		}
	}
	if len(r) > 0 {
		n, err := unix.Read(b.fd, r)
		if err != nil {
			return fmt.Errorf("i2c read from %#02x: %w", addr, err)
		}
		if n != len(r) {
			return fmt.Errorf("i2c read from %#02x: short read %d/%d", addr, n, len(r))
		}
	}
	return nil
}

// Close releases the device file.
func (b *I2C) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}
