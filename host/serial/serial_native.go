//go:build !wasm

package serial

import (
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// NativePort is a termios serial port.
type NativePort struct {
	*serial.Port
	cfg Config
}

// Open opens the port and drops whatever the firmware sent before the
// host was listening.
func Open(cfg *Config) (*NativePort, error) {
	if cfg == nil || cfg.Device == "" {
		return nil, errors.New("serial: no device")
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Device)
	}
	if err := p.Flush(); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "flush %s", cfg.Device)
	}
	return &NativePort{Port: p, cfg: *cfg}, nil
}

// Device returns the device path.
func (p *NativePort) Device() string { return p.cfg.Device }

var _ Port = (*NativePort)(nil)
