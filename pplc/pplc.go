// Package pplc is the register interface to an ATPL250 PLC modem. Every
// access is one 3-byte-header SPI transaction on a core.Engine.
package pplc

import (
	"time"

	"github.com/go-logr/logr"

	"modemlink/core"
)

// Address auto-advance modes for ReadJump and WriteJump.
const (
	JumpNone         uint8 = 0x00
	JumpCol1         uint8 = 0x20
	JumpCol2         uint8 = 0x40
	JumpCol3         uint8 = 0x60
	JumpPilots       uint8 = 0x80
	JumpDataNoPilots uint8 = 0xA0
	JumpFreqAvg      uint8 = 0xC0
	JumpMultiBuffer  uint8 = 0xE0
)

const repeatMask uint8 = 0x1F

// Standard SPI clocks.
const (
	Clock30M uint32 = 30000000
	Clock24M uint32 = 24000000
	Clock15M uint32 = 15000000
)

// MaxPayload is the largest buffer the chip accepts in one transaction.
const MaxPayload = 1024

// PollSpins bounds every wait on the bus.
const PollSpins = 50000

// Layout is the ATPL250 wire format.
var Layout = core.ShortAddress{Max: MaxPayload}

// Bus returns the ATPL250 bus settings at clockHz: 8-bit frames, SPI
// mode 0 (data captured on the leading edge).
func Bus(clockHz uint32) core.BusConfig {
	return core.BusConfig{ClockHz: clockHz, Polarity: 0, Phase: 0, WordSize: core.Word8}
}

// EngineConfig returns the engine settings for an ATPL250 channel.
func EngineConfig(name string, clockHz uint32) core.EngineConfig {
	return core.EngineConfig{
		Name:       name,
		Bus:        Bus(clockHz),
		MaxPayload: MaxPayload,
		Budget:     core.BudgetFor(PollSpins),
	}
}

// Config holds the board wiring.
type Config struct {
	Reset  core.Line // active low on reference boards
	Sleep  core.Sleeper
	Logger logr.Logger
}

// DefaultConfig returns a config with no reset line.
func DefaultConfig() Config {
	return Config{Reset: core.Unwired}
}

// Device is one ATPL250 on one channel.
type Device struct {
	eng   *core.Engine
	gpio  core.GPIODriver
	reset core.Line
	sleep core.Sleeper
	log   logr.Logger
}

// New wraps eng. The reset line, when wired, is configured as an output
// and released.
func New(eng *core.Engine, gpio core.GPIODriver, cfg Config) (*Device, error) {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	d := &Device{
		eng:   eng,
		gpio:  gpio,
		reset: cfg.Reset,
		sleep: cfg.Sleep,
		log:   cfg.Logger.WithName("atpl250"),
	}
	if gpio != nil {
		if err := core.ConfigureOutputs(gpio, cfg.Reset); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Engine returns the underlying channel.
func (d *Device) Engine() *core.Engine { return d.eng }

func (d *Device) do(dir core.Direction, addr uint16, op, repeat uint8, data []byte, length int, blocking bool) error {
	_, err := d.eng.Do(core.Request{
		Layout: Layout,
		Header: core.Header{
			Address:   uint32(addr),
			Direction: dir,
			Opcode:    uint16(op),
			Repeat:    repeat & repeatMask,
			Length:    length,
		},
		Data:     data,
		Blocking: blocking,
	})
	if err != nil {
		d.log.V(1).Info("access failed", "address", addr, "direction", dir.String(), "error", err.Error())
	}
	return err
}

func (d *Device) read(addr uint16, op, repeat uint8, buf []byte, blocking bool) error {
	if blocking {
		return d.do(core.Read, addr, op, repeat, buf, len(buf), true)
	}
	// the payload is collected with Complete
	return d.do(core.Read, addr, op, repeat, nil, len(buf), false)
}

func (d *Device) Read8(addr uint16) (uint8, error) {
	var b [1]byte
	err := d.read(addr, core.OpNone, 0, b[:], true)
	return b[0], err
}

func (d *Device) Read16(addr uint16) (uint16, error) {
	var b [2]byte
	err := d.read(addr, core.OpNone, 0, b[:], true)
	return uint16(b[0])<<8 | uint16(b[1]), err
}

func (d *Device) Read32(addr uint16) (uint32, error) {
	var b [4]byte
	err := d.read(addr, core.OpNone, 0, b[:], true)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), err
}

func (d *Device) Write8(addr uint16, v uint8) error {
	return d.do(core.Write, addr, core.OpNone, 0, []byte{v}, 1, true)
}

func (d *Device) Write16(addr uint16, v uint16) error {
	return d.do(core.Write, addr, core.OpNone, 0, be16(v), 2, true)
}

func (d *Device) Write32(addr uint16, v uint32) error {
	return d.do(core.Write, addr, core.OpNone, 0, be32(v), 4, true)
}

// ReadBuffer reads len(buf) consecutive bytes. A non-blocking read leaves
// buf untouched; call Complete to collect the payload.
func (d *Device) ReadBuffer(addr uint16, buf []byte, blocking bool) error {
	return d.read(addr, core.OpNone, 0, buf, blocking)
}

// WriteBuffer writes buf to consecutive addresses.
func (d *Device) WriteBuffer(addr uint16, buf []byte, blocking bool) error {
	return d.do(core.Write, addr, core.OpNone, 0, buf, len(buf), blocking)
}

// ReadRepeated reads len(buf) bytes from a FIFO register, repeat bytes at a
// time from the same address.
func (d *Device) ReadRepeated(addr uint16, repeat uint8, buf []byte, blocking bool) error {
	return d.read(addr, core.OpNone, repeat, buf, blocking)
}

// WriteRepeated writes buf to a FIFO register.
func (d *Device) WriteRepeated(addr uint16, repeat uint8, buf []byte, blocking bool) error {
	return d.do(core.Write, addr, core.OpNone, repeat, buf, len(buf), blocking)
}

// ReadJump reads non-contiguous addresses; jump selects how the chip
// advances between words.
func (d *Device) ReadJump(addr uint16, buf []byte, jump uint8, blocking bool) error {
	return d.read(addr, jump, 0, buf, blocking)
}

// WriteJump writes non-contiguous addresses.
func (d *Device) WriteJump(addr uint16, buf []byte, jump uint8, blocking bool) error {
	return d.do(core.Write, addr, jump, 0, buf, len(buf), blocking)
}

// Complete waits for the last non-blocking read and copies its payload to
// buf.
func (d *Device) Complete(buf []byte) error {
	_, err := d.eng.Complete(buf)
	return err
}

// And8 clears the bits of addr not set in mask.
func (d *Device) And8(addr uint16, mask uint8) error {
	return d.do(core.Write, addr, core.OpAnd, 0, []byte{mask}, 1, true)
}

// Or8 sets the bits of mask at addr.
func (d *Device) Or8(addr uint16, mask uint8) error {
	return d.do(core.Write, addr, core.OpOr, 0, []byte{mask}, 1, true)
}

// Xor8 toggles the bits of mask at addr.
func (d *Device) Xor8(addr uint16, mask uint8) error {
	return d.do(core.Write, addr, core.OpXor, 0, []byte{mask}, 1, true)
}

func (d *Device) And32(addr uint16, mask uint32) error {
	return d.do(core.Write, addr, core.OpAnd, 0, be32(mask), 4, true)
}

func (d *Device) Or32(addr uint16, mask uint32) error {
	return d.do(core.Write, addr, core.OpOr, 0, be32(mask), 4, true)
}

// SetSpeed changes the SPI clock once the bus is idle.
func (d *Device) SetSpeed(hz uint32) error {
	return d.eng.SetSpeed(hz)
}

// Reset pulses the reset line for 1 ms.
func (d *Device) Reset() error {
	if err := d.reset.Set(d.gpio, true); err != nil {
		return err
	}
	d.sleep(time.Millisecond)
	if err := d.reset.Set(d.gpio, false); err != nil {
		return err
	}
	d.log.Info("modem reset")
	return nil
}

// PushReset holds the chip in reset.
func (d *Device) PushReset() error { return d.reset.Set(d.gpio, true) }

// ReleaseReset lets the chip run.
func (d *Device) ReleaseReset() error { return d.reset.Set(d.gpio, false) }

// SetHandler installs the modem interrupt handler, replacing any previous
// one. nil removes it.
func (d *Device) SetHandler(fn func()) {
	if fn == nil {
		d.eng.Gate().SetHandler(nil)
		return
	}
	d.eng.Gate().SetHandler(func() {
		d.eng.Trace().MarkIRQ(d.eng.Name())
		fn()
	})
}

// EnableInterrupt is one half of a nested disable/enable pair on the
// modem interrupt.
func (d *Device) EnableInterrupt(on bool) {
	if on {
		d.eng.Gate().Enable()
	} else {
		d.eng.Gate().Disable()
	}
}

// Delay blocks for n units of ref.
func (d *Device) Delay(ref core.TimeRef, n uint32) {
	d.sleep(ref.Duration(n))
}

func be16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
