// Package rf215 is the SPI interface to an AT86RF215 sub-GHz/2.4 GHz
// transceiver. Frames use the 2-byte command word; writes never wait for
// the bus and reads may wait or complete in the background.
package rf215

import (
	"time"

	"github.com/go-logr/logr"

	"modemlink/core"
)

// SPIMode selects how SendSPICmd runs the transaction.
type SPIMode uint8

const (
	ModeWrite       SPIMode = 0
	ModeReadBlock   SPIMode = 1
	ModeReadNoBlock SPIMode = 2
)

func (m SPIMode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeReadBlock:
		return "read"
	case ModeReadNoBlock:
		return "read-noblock"
	}
	return "unknown"
}

const (
	// MaxMsgLen is the largest transfer, one full frame buffer.
	MaxMsgLen = 2047

	// LastRegister is the highest register address.
	LastRegister = 0x3FFE

	PollSpins = 500000
)

// Exception flags.
const (
	ExceptionSPI   uint8 = 1 << 0
	ExceptionInit  uint8 = 1 << 1
	ExceptionReset uint8 = 1 << 2
)

// LED ids.
const (
	LEDTx uint8 = 1
	LEDRx uint8 = 2
)

const resetPulse = 10 * time.Microsecond

var Layout = core.CommandWord{Max: MaxMsgLen, LastRegister: LastRegister}

// Byte timing limits of the transceiver SPI.
const (
	minTimeBetweenBytesNs = 125
	minByteDurationNs     = 875
	minTimeFirstBitNs     = 50

	// TypicalClock is the fastest SCK the transceiver accepts.
	TypicalClock uint32 = 25000000
)

// SPIParams is a bus setting that meets the transceiver byte timing.
type SPIParams struct {
	Divider uint8 // peripheral clock / SCK
	DLYBS   uint8 // CS to first SCK edge, peripheral cycles
	DLYBCT  uint8 // delay between bytes, units of 32 peripheral cycles

	// ByteTime is the duration of one byte in µs, uQ3.5.
	ByteTime uint8
}

func divCeil(a, b uint64) uint64 { return (a + b - 1) / b }

// ComputeSPIParams picks the divider and inter-byte delay giving the
// shortest byte time at peripheralHz.
func ComputeSPIParams(peripheralHz uint32) SPIParams {
	hz := uint64(peripheralHz)
	btwBytes := divCeil(hz*minTimeBetweenBytesNs, 1000000000)
	byteMin := divCeil(hz*minByteDurationNs, 1000000000)
	dlybs := divCeil(hz*minTimeFirstBitNs, 1000000000)
	divMin := divCeil(hz, uint64(TypicalClock))

	var dlybctMax, dlybctMin uint64
	if divMin < btwBytes {
		dlybctMax = divCeil(btwBytes-divMin, 32)
	}
	// DLYBCT 0 is only valid at divider 4 and above
	if divMin < 4 {
		dlybctMin = 1
		if dlybctMax < 1 {
			dlybctMax = 1
		}
	}

	best := ^uint64(0)
	var divBest, dlybctBest uint64
	for dlybct := dlybctMin; dlybct <= dlybctMax; dlybct++ {
		cycles := dlybct << 5
		div1 := divMin
		if btwBytes > divMin+cycles {
			div1 = btwBytes - cycles
		}
		div2 := divMin
		if byteMin > divMin<<3+cycles {
			div2 = divCeil(byteMin-cycles, 8)
		}
		div := div1
		if div2 > div {
			div = div2
		}
		if total := div<<3 + cycles; total < best {
			best, divBest, dlybctBest = total, div, dlybct
		}
	}

	return SPIParams{
		Divider:  uint8(divBest),
		DLYBS:    uint8(dlybs),
		DLYBCT:   uint8(dlybctBest),
		ByteTime: uint8((best*(1000000<<5) + hz/2) / hz),
	}
}

// ClockHz returns the SCK rate the divider gives at peripheralHz.
func (p SPIParams) ClockHz(peripheralHz uint32) uint32 {
	if p.Divider == 0 {
		return 0
	}
	return peripheralHz / uint32(p.Divider)
}

// EngineConfig returns the engine settings for a transceiver channel fed
// by a peripheral clock of peripheralHz.
func EngineConfig(name string, peripheralHz uint32) core.EngineConfig {
	p := ComputeSPIParams(peripheralHz)
	return core.EngineConfig{
		Name: name,
		Bus: core.BusConfig{
			ClockHz:      p.ClockHz(peripheralHz),
			WordSize:     core.Word8,
			PeripheralHz: peripheralHz,
			Div:          uint32(p.Divider),
		},
		MaxPayload: MaxMsgLen,
		Budget:     core.BudgetFor(PollSpins),
	}
}

// Config holds the board wiring.
type Config struct {
	Reset core.Line
	LEDTx core.Line
	LEDRx core.Line

	Sleep  core.Sleeper
	Logger logr.Logger
}

// DefaultConfig returns a config with nothing wired.
func DefaultConfig() Config {
	return Config{Reset: core.Unwired, LEDTx: core.Unwired, LEDRx: core.Unwired}
}

// Device is one AT86RF215 on one channel.
type Device struct {
	eng  *core.Engine
	gpio core.GPIODriver
	cfg  Config
	log  logr.Logger

	exceptions uint8
}

// New wraps eng. The transceiver is held in reset until Reset is called
// and both LEDs start off.
func New(eng *core.Engine, gpio core.GPIODriver, cfg Config) (*Device, error) {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	d := &Device{eng: eng, gpio: gpio, cfg: cfg, log: cfg.Logger.WithName("at86rf215")}
	if gpio == nil {
		return d, nil
	}
	if err := core.ConfigureOutputs(gpio, cfg.Reset, cfg.LEDTx, cfg.LEDRx); err != nil {
		return nil, err
	}
	if cfg.Reset.Wired() {
		if err := cfg.Reset.Set(gpio, true); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Engine returns the underlying channel.
func (d *Device) Engine() *core.Engine { return d.eng }

// SendSPICmd runs one transaction on buf. Writes return once the frame is
// on the bus. ModeReadNoBlock copies the data into buf when the transfer
// drains, on the next access or Pump. Any failure raises ExceptionSPI.
func (d *Device) SendSPICmd(buf []byte, addr uint16, mode SPIMode) error {
	err := d.sendSPICmd(buf, addr, mode)
	if err != nil {
		core.Critical(func() { d.exceptions |= ExceptionSPI })
		d.log.V(1).Info("spi command failed", "address", addr, "length", len(buf),
			"mode", mode.String(), "error", err.Error())
	}
	return err
}

func (d *Device) sendSPICmd(buf []byte, addr uint16, mode SPIMode) error {
	if len(buf) == 0 {
		return core.ErrZeroLength
	}
	if len(buf) > MaxMsgLen {
		return core.ErrPayloadTooLarge
	}
	if uint32(addr)+uint32(len(buf)) > LastRegister+1 {
		return core.ErrInvalidAddress
	}
	if err := d.eng.WaitIdle(); err != nil {
		return err
	}
	req := core.Request{
		Layout: Layout,
		Header: core.Header{Address: uint32(addr), Length: len(buf)},
		Data:   buf,
	}
	switch mode {
	case ModeWrite:
		req.Header.Direction = core.Write
	case ModeReadBlock:
		req.Blocking = true
	case ModeReadNoBlock:
	default:
		return core.ErrNotSupported
	}
	_, err := d.eng.Do(req)
	return err
}

func (d *Device) Read8(addr uint16) (uint8, error) {
	var b [1]byte
	err := d.SendSPICmd(b[:], addr, ModeReadBlock)
	return b[0], err
}

func (d *Device) Read16(addr uint16) (uint16, error) {
	var b [2]byte
	err := d.SendSPICmd(b[:], addr, ModeReadBlock)
	return uint16(b[0])<<8 | uint16(b[1]), err
}

func (d *Device) Read32(addr uint16) (uint32, error) {
	var b [4]byte
	err := d.SendSPICmd(b[:], addr, ModeReadBlock)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), err
}

func (d *Device) Write8(addr uint16, v uint8) error {
	return d.SendSPICmd([]byte{v}, addr, ModeWrite)
}

func (d *Device) Write16(addr uint16, v uint16) error {
	return d.SendSPICmd([]byte{byte(v >> 8), byte(v)}, addr, ModeWrite)
}

func (d *Device) Write32(addr uint16, v uint32) error {
	return d.SendSPICmd([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, addr, ModeWrite)
}

// ReadBuffer reads len(buf) consecutive registers. With blocking false the
// data lands in buf once the transfer drains.
func (d *Device) ReadBuffer(addr uint16, buf []byte, blocking bool) error {
	mode := ModeReadNoBlock
	if blocking {
		mode = ModeReadBlock
	}
	return d.SendSPICmd(buf, addr, mode)
}

// WriteBuffer writes buf to consecutive registers.
func (d *Device) WriteBuffer(addr uint16, buf []byte) error {
	return d.SendSPICmd(buf, addr, ModeWrite)
}

// WriteUpdate writes only the bytes of cur that differ from prev, then
// stores them in prev. A run of changes is split into separate writes
// when three or more unchanged bytes lie between them.
func (d *Device) WriteUpdate(addr uint16, cur, prev []byte) error {
	if len(prev) < len(cur) {
		return core.ErrPayloadTooLarge
	}
	start, n, same := 0, 0, 0
	for i := range cur {
		if cur[i] != prev[i] {
			prev[i] = cur[i]
			if n == 0 {
				start = i
			}
			n += same + 1
			same = 0
			continue
		}
		if n == 0 {
			continue
		}
		if same == 2 {
			if err := d.WriteBuffer(addr+uint16(start), cur[start:start+n]); err != nil {
				return err
			}
			n, same = 0, 0
		} else {
			same++
		}
	}
	if n != 0 {
		return d.WriteBuffer(addr+uint16(start), cur[start:start+n])
	}
	return nil
}

// Busy reports whether a transfer is still on the bus, finishing it first
// if the hardware is done. A transfer that times out or fails here raises
// ExceptionSPI.
func (d *Device) Busy() bool {
	if err := d.eng.Pump(); err != nil {
		d.RaiseException(ExceptionSPI)
		d.log.V(1).Info("non-blocking transfer failed", "error", err.Error())
	}
	return d.eng.State() == core.StateInFlight
}

// ExceptionMask returns the raised exception flags.
func (d *Device) ExceptionMask() uint8 {
	var m uint8
	core.Critical(func() { m = d.exceptions })
	return m
}

// ClearExceptions drops all exception flags.
func (d *Device) ClearExceptions() {
	core.Critical(func() { d.exceptions = 0 })
}

// RaiseException sets flags in the exception mask.
func (d *Device) RaiseException(flags uint8) {
	core.Critical(func() { d.exceptions |= flags })
}

// Reset pulses the reset line.
func (d *Device) Reset() error {
	if !d.cfg.Reset.Wired() {
		return core.ErrNotSupported
	}
	if err := d.cfg.Reset.Set(d.gpio, true); err != nil {
		return err
	}
	d.cfg.Sleep(resetPulse)
	if err := d.cfg.Reset.Set(d.gpio, false); err != nil {
		return err
	}
	d.log.Info("transceiver reset")
	return nil
}

// LED switches the TX (1) or RX (2) LED. Other ids and unwired LEDs are
// ignored.
func (d *Device) LED(id uint8, on bool) error {
	var l core.Line
	switch id {
	case LEDTx:
		l = d.cfg.LEDTx
	case LEDRx:
		l = d.cfg.LEDRx
	default:
		return nil
	}
	if !l.Wired() {
		return nil
	}
	return l.Set(d.gpio, on)
}

// SetHandler installs the transceiver interrupt handler.
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

// EnableInterrupt is one half of a nested disable/enable pair.
func (d *Device) EnableInterrupt(on bool) {
	if on {
		d.eng.Gate().Enable()
	} else {
		d.eng.Gate().Disable()
	}
}
