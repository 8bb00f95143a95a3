package mcu

import (
	"time"

	"github.com/pkg/errors"

	"modemlink/bridge"
	"modemlink/core"
	"modemlink/protocol"
)

// The firmware reports pin failures before it acknowledges the command,
// so a failure is already queued when send returns.
func (m *MCU) pinCommand(id uint16, args ...uint32) error {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	drain(m.pins)
	err := m.send(id, func(o protocol.OutputBuffer) { protocol.EncodeArgs(o, args...) })
	if err != nil {
		return err
	}
	select {
	case r := <-m.pins:
		return r.err
	default:
		return nil
	}
}

func (m *MCU) ConfigureOutput(pin core.GPIOPin) error {
	return errors.Wrapf(m.pinCommand(bridge.CmdPinConfig, uint32(pin), bridge.PinOutput), "pin %d output", pin)
}

func (m *MCU) ConfigureInputPullUp(pin core.GPIOPin) error {
	return errors.Wrapf(m.pinCommand(bridge.CmdPinConfig, uint32(pin), bridge.PinInputPullUp), "pin %d input", pin)
}

func (m *MCU) SetPin(pin core.GPIOPin, value bool) error {
	v := uint32(0)
	if value {
		v = 1
	}
	return errors.Wrapf(m.pinCommand(bridge.CmdPinSet, uint32(pin), v), "set pin %d", pin)
}

func (m *MCU) GetPin(pin core.GPIOPin) (bool, error) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	drain(m.pins)
	err := m.send(bridge.CmdPinGet, func(o protocol.OutputBuffer) { protocol.EncodeArgs(o, uint32(pin)) })
	if err != nil {
		return false, errors.Wrapf(err, "get pin %d", pin)
	}
	select {
	case r := <-m.pins:
		return r.value, errors.Wrapf(r.err, "get pin %d", pin)
	case <-time.After(ReplyTimeout):
		return false, errors.Errorf("get pin %d: no reply", pin)
	}
}

var _ core.GPIODriver = (*MCU)(nil)
