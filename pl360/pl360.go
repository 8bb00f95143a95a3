// Package pl360 drives ATPL360 and PL460 PLC modems. The chip boots in a
// byte-oriented boot mode (BootCommand frames) and, once its firmware
// runs, talks 16-bit WordCommand frames whose response preamble carries
// the event flags.
package pl360

import (
	"time"

	"github.com/go-logr/logr"

	"modemlink/core"
)

const (
	headerSize    = 4
	msgDataSize   = 512
	msgParamsSize = 118 // worst case rx_msg_t

	// BufferSize is the transfer buffer of one channel.
	BufferSize = headerSize + msgDataSize + msgParamsSize

	// MaxPayload is the largest read or write payload.
	MaxPayload = BufferSize - headerSize

	// MaxBootPayload is the largest boot command payload.
	MaxBootPayload = BufferSize - 6
)

// Poll limits for every wait on the bus.
const (
	PollSpins    = 5000000
	PollDeadline = 100 * time.Millisecond
)

// Default SPI clock.
const DefaultClock uint32 = 8000000

var (
	BootLayout = core.BootCommand{Max: MaxBootPayload}
	WordLayout = core.WordCommand{Max: MaxPayload}
)

// EngineConfig returns the engine settings for an ATPL360 channel.
func EngineConfig(name string, clockHz uint32) core.EngineConfig {
	return core.EngineConfig{
		Name:       name,
		Bus:        core.BusConfig{ClockHz: clockHz, WordSize: core.Word8},
		MaxPayload: MaxPayload,
		Budget:     core.PollBudget{Spins: PollSpins, Deadline: PollDeadline},
	}
}

// Config holds the board wiring. Lines that are not present are
// core.Unwired.
type Config struct {
	Reset         core.Line
	LDO           core.Line
	Standby       core.Line
	TxEnable      core.Line
	Thermal       core.Line // NTHW0, active low
	CarrierDetect core.Line

	Sleep  core.Sleeper
	Logger logr.Logger
}

// DefaultConfig returns a config with nothing wired.
func DefaultConfig() Config {
	return Config{
		Reset:         core.Unwired,
		LDO:           core.Unwired,
		Standby:       core.Unwired,
		TxEnable:      core.Unwired,
		Thermal:       core.Unwired,
		CarrierDetect: core.Unwired,
	}
}

// Device is one ATPL360 on one channel.
type Device struct {
	eng  *core.Engine
	gpio core.GPIODriver
	cfg  Config
	log  logr.Logger
}

// New wraps eng and configures the board lines. TX enable starts active.
func New(eng *core.Engine, gpio core.GPIODriver, cfg Config) (*Device, error) {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	d := &Device{eng: eng, gpio: gpio, cfg: cfg, log: cfg.Logger.WithName("atpl360")}
	if gpio == nil {
		return d, nil
	}
	if err := core.ConfigureOutputs(gpio, cfg.Reset, cfg.LDO, cfg.Standby, cfg.TxEnable); err != nil {
		return nil, err
	}
	for _, in := range []core.Line{cfg.Thermal, cfg.CarrierDetect} {
		if in.Wired() {
			if err := gpio.ConfigureInputPullUp(in.Pin); err != nil {
				return nil, err
			}
		}
	}
	if cfg.TxEnable.Wired() {
		if err := cfg.TxEnable.Set(gpio, true); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Engine returns the underlying channel.
func (d *Device) Engine() *core.Engine { return d.eng }

// SendBootCmd sends a boot-mode command. With rx nil the frame is sent
// without waiting; otherwise the call blocks and the bytes clocked in
// behind the header are copied to rx.
func (d *Device) SendBootCmd(cmd uint16, addr uint32, data, rx []byte) error {
	if len(data) > MaxBootPayload {
		return core.ErrPayloadTooLarge
	}
	if err := d.eng.WaitIdle(); err != nil {
		return err
	}
	req := core.Request{
		Layout: BootLayout,
		Header: core.Header{Address: addr, Opcode: cmd, Direction: core.Write, Length: len(data)},
		Data:   data,
	}
	if rx != nil {
		if len(rx) < len(data) {
			return core.ErrPayloadTooLarge
		}
		copy(rx, data)
		req.Header.Direction = core.Read
		req.Data = rx[:len(data)]
		req.Blocking = true
	}
	_, err := d.eng.Do(req)
	if err != nil {
		d.log.V(1).Info("boot command failed", "cmd", cmd, "address", addr, "error", err.Error())
	}
	return err
}

// SendWrRdCmd runs one application-mode transaction and returns the
// status decoded from the response preamble.
func (d *Device) SendWrRdCmd(dir core.Direction, addr uint16, buf []byte) (core.Status, error) {
	if len(buf) == 0 {
		return core.Status{}, core.ErrZeroLength
	}
	if len(buf) > MaxPayload {
		return core.Status{}, core.ErrPayloadTooLarge
	}
	if err := d.eng.WaitIdle(); err != nil {
		return core.Status{}, err
	}
	res, err := d.eng.Do(core.Request{
		Layout:   WordLayout,
		Header:   core.Header{Address: uint32(addr), Direction: dir, Length: len(buf)},
		Data:     buf,
		Blocking: true,
	})
	if err != nil {
		d.log.V(1).Info("command failed", "address", addr, "direction", dir.String(), "error", err.Error())
		return core.Status{}, err
	}
	return res.Status, nil
}

// Read reads len(buf) bytes from addr.
func (d *Device) Read(addr uint16, buf []byte) (core.Status, error) {
	return d.SendWrRdCmd(core.Read, addr, buf)
}

// Write writes buf to addr.
func (d *Device) Write(addr uint16, buf []byte) (core.Status, error) {
	return d.SendWrRdCmd(core.Write, addr, buf)
}

// Reset powers the modem through its LDO and pulses reset.
func (d *Device) Reset() error {
	if !d.cfg.Reset.Wired() {
		return core.ErrNotSupported
	}
	if d.cfg.LDO.Wired() {
		if err := d.cfg.LDO.Set(d.gpio, true); err != nil {
			return err
		}
		d.cfg.Sleep(time.Millisecond)
	}
	if err := d.cfg.Reset.Set(d.gpio, true); err != nil {
		return err
	}
	d.cfg.Sleep(time.Millisecond)
	if err := d.cfg.Reset.Set(d.gpio, false); err != nil {
		return err
	}
	d.cfg.Sleep(50 * time.Millisecond)
	d.log.Info("modem reset")
	return nil
}

// SetStandby puts the modem to sleep or wakes it.
func (d *Device) SetStandby(sleep bool) error {
	if !d.cfg.Standby.Wired() || !d.cfg.Reset.Wired() {
		return core.ErrNotSupported
	}
	if sleep {
		if err := d.cfg.Reset.Set(d.gpio, true); err != nil {
			return err
		}
		return d.cfg.Standby.Set(d.gpio, true)
	}
	if err := d.cfg.Standby.Set(d.gpio, false); err != nil {
		return err
	}
	d.cfg.Sleep(100 * time.Microsecond)
	if err := d.cfg.Reset.Set(d.gpio, false); err != nil {
		return err
	}
	d.cfg.Sleep(750 * time.Microsecond)
	return nil
}

// ThermalWarning reports a high temperature (above 110 C) condition.
// Boards without the NTHW0 line never report one.
func (d *Device) ThermalWarning() (bool, error) {
	if !d.cfg.Thermal.Wired() {
		return false, nil
	}
	return d.cfg.Thermal.Active(d.gpio)
}

// SetTxEnable allows or blocks transmission at the line driver.
func (d *Device) SetTxEnable(on bool) error {
	if !d.cfg.TxEnable.Wired() {
		return nil
	}
	return d.cfg.TxEnable.Set(d.gpio, on)
}

// CarrierDetect reads the carrier detect line.
func (d *Device) CarrierDetect() (bool, error) {
	return d.cfg.CarrierDetect.Active(d.gpio)
}

// SetHandler installs the modem interrupt handler and drops any
// notification latched before it.
func (d *Device) SetHandler(fn func()) {
	g := d.eng.Gate()
	if fn == nil {
		g.SetHandler(nil)
	} else {
		g.SetHandler(func() {
			d.eng.Trace().MarkIRQ(d.eng.Name())
			fn()
		})
	}
	g.ClearPending()
}

// EnableInterrupt is one half of a nested disable/enable pair.
func (d *Device) EnableInterrupt(on bool) {
	if on {
		d.eng.Gate().Enable()
	} else {
		d.eng.Gate().Disable()
	}
}

// Delay blocks for n units of ref.
func (d *Device) Delay(ref core.TimeRef, n uint32) {
	d.cfg.Sleep(ref.Duration(n))
}
