package core

import "time"

// WordSize is the SPI transfer width in bits.
type WordSize uint8

const (
	Word8  WordSize = 8
	Word16 WordSize = 16
)

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

// BusConfig holds the configuration of one physical SPI channel.
type BusConfig struct {
	ClockHz    uint32   // SCK rate
	Polarity   uint8    // CPOL
	Phase      uint8    // CPHA
	WordSize   WordSize // 8 or 16 bit frames
	ChipSelect uint8    // chip-select identity on the bus

	// PeripheralHz is the clock feeding the SPI peripheral. When known it
	// is used to report the effective divider.
	PeripheralHz uint32

	// Div is the divider ClockHz was derived from, when the board computed
	// one. ClockHz is then the truncated PeripheralHz/Div.
	Div uint32
}

// Mode returns the combined SPI mode number.
func (c BusConfig) Mode() SPIMode {
	return SPIMode(c.Polarity&1)<<1 | SPIMode(c.Phase&1)
}

// Divider returns Div when set, otherwise ceil(PeripheralHz/ClockHz), or 0
// if either is unset.
func (c BusConfig) Divider() uint32 {
	if c.Div != 0 {
		return c.Div
	}
	if c.ClockHz == 0 || c.PeripheralHz == 0 {
		return 0
	}
	return (c.PeripheralHz + c.ClockHz - 1) / c.ClockHz
}

// Backend is the Transport Channel: one implementation per hardware family.
// The Engine depends only on this interface.
type Backend interface {
	// Configure resets and reprograms the bus. Only called while idle.
	Configure(cfg BusConfig) error

	// StartTransfer arms a symmetric full-duplex exchange of n bytes and
	// returns immediately. It fails with ErrPayloadTooLarge if n exceeds
	// either buffer.
	StartTransfer(tx, rx []byte, n int) error

	// IsBusy reports whether the exchange is still running. It never blocks.
	IsBusy() bool

	// Abort hard-stops a pending exchange. Used on the timeout path only.
	Abort()
}

// ErrorReporter is implemented by backends whose exchange can fail after
// StartTransfer returned. Err is checked once the backend goes idle and
// reports the error of the last exchange, nil when it succeeded.
type ErrorReporter interface {
	Err() error
}

// Scheduled is implemented by backends that run the exchange on another
// goroutine or process. Spin counts mean nothing there, so the engine
// bounds every wait by wall-clock time, at least MinDeadline.
type Scheduled interface {
	MinDeadline() time.Duration
}

// CacheMaintainer is implemented by backends whose DMA bypasses the CPU
// data cache. The tx region is cleaned before arming and the rx region is
// invalidated before it is read back.
type CacheMaintainer interface {
	CleanTx(b []byte)
	InvalidateRx(b []byte)
}

// IRQLine is the physical peer "data ready" interrupt source.
type IRQLine interface {
	Mask()
	Unmask()
}

// IRQFunc adapts a pair of functions to IRQLine.
type IRQFunc struct {
	MaskFn   func()
	UnmaskFn func()
}

func (f IRQFunc) Mask() {
	if f.MaskFn != nil {
		f.MaskFn()
	}
}

func (f IRQFunc) Unmask() {
	if f.UnmaskFn != nil {
		f.UnmaskFn()
	}
}

// CheckTransfer validates a StartTransfer request against its buffers.
func CheckTransfer(tx, rx []byte, n int) error {
	if n <= 0 {
		return ErrZeroLength
	}
	if n > len(tx) || n > len(rx) {
		return ErrPayloadTooLarge
	}
	return nil
}

// SwapWords16 swaps each byte pair of b in place. Backends that can only
// move bytes use it to present Word16 frames in native half-word order.
// A trailing odd byte is left as is.
func SwapWords16(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}
