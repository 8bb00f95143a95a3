// Package serial opens the USB CDC link to the bridge firmware.
package serial

import (
	"io"
	"time"
)

// Port is the byte stream under the bridge link.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not yet read.
	Flush() error
}

// Config describes a serial port.
type Config struct {
	Device string

	// Baud is ignored by USB CDC but required by the termios layer.
	Baud int

	// ReadTimeout bounds each Read so the link can be closed. Zero blocks.
	ReadTimeout time.Duration
}

// DefaultBaud matches the firmware's nominal CDC rate.
const DefaultBaud = 250000

func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
