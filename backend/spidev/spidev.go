// Package spidev is a Transport Channel for Linux hosts wired straight to
// a modem: a spidev port through periph.io, the modem interrupt pin as a
// GPIO edge watcher, and the board lines as periph GPIOs.
package spidev

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"modemlink/core"
)

// Init loads the periph host drivers. Call it once before opening ports or
// looking up pins.
func Init() error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}
	return nil
}

// Opener opens the SPI port. Configure reopens the port for every change
// of clock or mode, since a periph port connects only once.
type Opener func() (spi.PortCloser, error)

// PortByName opens a registered port, e.g. "/dev/spidev0.0" or "SPI0.0".
// An empty name picks the first port.
func PortByName(name string) Opener {
	return func() (spi.PortCloser, error) {
		p, err := spireg.Open(name)
		return p, errors.Wrapf(err, "open spi port %q", name)
	}
}

// ExchangeDeadline is the shortest wait an engine on this backend may use.
// It covers goroutine start-up and the ioctl round trip.
const ExchangeDeadline = 100 * time.Millisecond

// Bus runs each exchange on its own goroutine so that IsBusy never blocks.
type Bus struct {
	open Opener
	log  logr.Logger

	mu      sync.Mutex
	port    spi.PortCloser
	conn    spi.Conn
	cfg     core.BusConfig
	scratch []byte
	done    chan struct{}
	err     error
	errs    uint32

	busy atomic.Bool
}

// New creates a bus. The port is opened by the first Configure.
func New(open Opener, log logr.Logger) *Bus {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Bus{open: open, log: log.WithName("spidev")}
}

// Open is Init followed by New on the named port.
func Open(name string, log logr.Logger) (*Bus, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return New(PortByName(name), log), nil
}

func (b *Bus) Configure(cfg core.BusConfig) error {
	b.wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		if err := b.port.Close(); err != nil {
			b.log.Error(err, "close port")
		}
		b.port, b.conn = nil, nil
	}
	port, err := b.open()
	if err != nil {
		return err
	}
	conn, err := port.Connect(physic.Frequency(cfg.ClockHz)*physic.Hertz, spi.Mode(cfg.Mode()), 8)
	if err != nil {
		port.Close()
		return errors.Wrapf(err, "connect %d Hz mode %d", cfg.ClockHz, cfg.Mode())
	}
	b.port, b.conn, b.cfg = port, conn, cfg
	b.log.V(1).Info("port configured", "port", port.String(), "hz", cfg.ClockHz, "mode", cfg.Mode())
	return nil
}

func (b *Bus) StartTransfer(tx, rx []byte, n int) error {
	if err := core.CheckTransfer(tx, rx, n); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errors.Wrap(core.ErrNotSupported, "spi port not configured")
	}
	if b.busy.Load() {
		return core.ErrChannelBusy
	}

	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	w := b.scratch[:n]
	copy(w, tx[:n])
	swap := b.cfg.WordSize == core.Word16
	if swap {
		core.SwapWords16(w)
	}

	conn, r, done := b.conn, rx[:n], make(chan struct{})
	b.done = done
	b.err = nil
	b.busy.Store(true)
	go func() {
		defer close(done)
		err := conn.Tx(w, r)
		if err == nil && swap {
			core.SwapWords16(r)
		}
		b.mu.Lock()
		b.err = err
		if err != nil {
			b.errs++
		}
		b.mu.Unlock()
		if err != nil {
			b.log.Error(err, "spi exchange", "length", len(w))
		}
		b.busy.Store(false)
	}()
	return nil
}

func (b *Bus) IsBusy() bool { return b.busy.Load() }

// Abort waits for the exchange in progress. spidev cannot cancel a
// submitted transfer.
func (b *Bus) Abort() { b.wait() }

func (b *Bus) wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// MinDeadline makes engines on this bus wait by wall-clock time.
func (b *Bus) MinDeadline() time.Duration { return ExchangeDeadline }

// Err returns the error of the last exchange.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Errors counts failed exchanges.
func (b *Bus) Errors() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs
}

// Close waits for the bus and releases the port.
func (b *Bus) Close() error {
	b.wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port, b.conn = nil, nil
	return errors.Wrap(err, "close spi port")
}

var (
	_ core.Backend       = (*Bus)(nil)
	_ core.ErrorReporter = (*Bus)(nil)
	_ core.Scheduled     = (*Bus)(nil)
)
