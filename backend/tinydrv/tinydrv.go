// Package tinydrv is a Transport Channel over any tinygo.org/x/drivers SPI
// bus: the RP2040 hardware SPI or the PIO SPI master. Chip select is a
// plain GPIO line driven around each frame.
package tinydrv

import (
	"sync"

	"github.com/go-logr/logr"
	"tinygo.org/x/drivers"

	"modemlink/core"
)

// Options configures a Bus.
type Options struct {
	// CS is the chip select line, usually active low. Unwired leaves CS
	// to the SPI peripheral.
	CS   core.Line
	GPIO core.GPIODriver

	// Reconfigure applies clock and mode changes to the underlying
	// peripheral. drivers.SPI has no configuration call of its own.
	Reconfigure func(core.BusConfig) error

	Logger logr.Logger
}

// Bus adapts a drivers.SPI to core.Backend. The exchange runs to
// completion inside StartTransfer, so IsBusy is false once it returns.
type Bus struct {
	spi drivers.SPI
	opt Options
	log logr.Logger

	mu      sync.Mutex
	cfg     core.BusConfig
	scratch []byte
	txs     uint32
}

// New wraps spi. The chip select line, when wired, is configured and
// released.
func New(spi drivers.SPI, opt Options) (*Bus, error) {
	if opt.Logger.GetSink() == nil {
		opt.Logger = logr.Discard()
	}
	if opt.CS.Wired() {
		if opt.GPIO == nil {
			return nil, core.ErrNotSupported
		}
		if err := core.ConfigureOutputs(opt.GPIO, opt.CS); err != nil {
			return nil, err
		}
	}
	return &Bus{spi: spi, opt: opt, log: opt.Logger.WithName("tinydrv")}, nil
}

func (b *Bus) Configure(cfg core.BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opt.Reconfigure != nil {
		if err := b.opt.Reconfigure(cfg); err != nil {
			return err
		}
	}
	b.cfg = cfg
	b.log.V(1).Info("bus configured", "hz", cfg.ClockHz, "mode", cfg.Mode(), "word", cfg.WordSize)
	return nil
}

func (b *Bus) StartTransfer(tx, rx []byte, n int) error {
	if err := core.CheckTransfer(tx, rx, n); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	w := tx[:n]
	if b.cfg.WordSize == core.Word16 {
		// bytes go out in half-word order, as a 16-bit DMA would send them
		if cap(b.scratch) < n {
			b.scratch = make([]byte, n)
		}
		w = b.scratch[:n]
		copy(w, tx[:n])
		core.SwapWords16(w)
	}

	if err := b.chipSelect(true); err != nil {
		return err
	}
	err := b.spi.Tx(w, rx[:n])
	if cerr := b.chipSelect(false); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if b.cfg.WordSize == core.Word16 {
		core.SwapWords16(rx[:n])
	}
	b.txs++
	return nil
}

func (b *Bus) chipSelect(active bool) error {
	if !b.opt.CS.Wired() {
		return nil
	}
	return b.opt.CS.Set(b.opt.GPIO, active)
}

// IsBusy is always false: the exchange finished inside StartTransfer.
func (b *Bus) IsBusy() bool { return false }

// Abort releases chip select.
func (b *Bus) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.chipSelect(false); err != nil {
		b.log.Error(err, "release chip select")
	}
}

// Transfers returns the number of completed exchanges.
func (b *Bus) Transfers() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txs
}

var _ core.Backend = (*Bus)(nil)
