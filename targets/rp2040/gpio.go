//go:build rp2040

package main

import (
	"machine"

	"modemlink/core"
)

// numPins is GPIO0-GPIO29.
const numPins = 30

// RPGPIODriver is the core.GPIODriver for the bank 0 pins.
type RPGPIODriver struct {
	configured map[core.GPIOPin]machine.Pin
}

func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{configured: make(map[core.GPIOPin]machine.Pin)}
}

func (d *RPGPIODriver) pin(p core.GPIOPin) (machine.Pin, error) {
	if p >= numPins {
		return 0, core.ErrNotSupported
	}
	return machine.Pin(p), nil
}

func (d *RPGPIODriver) ConfigureOutput(p core.GPIOPin) error {
	mp, err := d.pin(p)
	if err != nil {
		return err
	}
	mp.Configure(machine.PinConfig{Mode: machine.PinOutput})
	d.configured[p] = mp
	return nil
}

func (d *RPGPIODriver) ConfigureInputPullUp(p core.GPIOPin) error {
	mp, err := d.pin(p)
	if err != nil {
		return err
	}
	mp.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	d.configured[p] = mp
	return nil
}

// SetPin configures an unconfigured pin as an output first.
func (d *RPGPIODriver) SetPin(p core.GPIOPin, value bool) error {
	mp, ok := d.configured[p]
	if !ok {
		if err := d.ConfigureOutput(p); err != nil {
			return err
		}
		mp = d.configured[p]
	}
	mp.Set(value)
	return nil
}

func (d *RPGPIODriver) GetPin(p core.GPIOPin) (bool, error) {
	mp, ok := d.configured[p]
	if !ok {
		return false, core.ErrNotSupported
	}
	return mp.Get(), nil
}

// irqGate returns a gate fired by the falling edge of the modem interrupt
// pin. The pin interrupt stays enabled; the gate latches edges that
// arrive while a transaction holds it.
func irqGate(p machine.Pin) (*core.Gate, error) {
	gate := core.NewGate(nil)
	p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	err := p.SetInterrupt(machine.PinFalling, func(machine.Pin) {
		gate.Fire()
	})
	return gate, err
}

var _ core.GPIODriver = (*RPGPIODriver)(nil)
