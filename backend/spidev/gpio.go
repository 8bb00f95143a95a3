package spidev

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"modemlink/core"
)

// PinLookup resolves a board pin number to a periph pin. It returns nil
// for pins that do not exist.
type PinLookup func(core.GPIOPin) gpio.PinIO

// ByName resolves pins through gpioreg. Pins missing from names are
// looked up as "GPIO<n>".
func ByName(names map[core.GPIOPin]string) PinLookup {
	return func(p core.GPIOPin) gpio.PinIO {
		name, ok := names[p]
		if !ok {
			name = fmt.Sprintf("GPIO%d", p)
		}
		return gpioreg.ByName(name)
	}
}

// GPIO implements core.GPIODriver over periph pins.
type GPIO struct {
	lookup PinLookup

	mu   sync.Mutex
	pins map[core.GPIOPin]gpio.PinIO
}

func NewGPIO(lookup PinLookup) *GPIO {
	return &GPIO{lookup: lookup, pins: make(map[core.GPIOPin]gpio.PinIO)}
}

func (g *GPIO) pin(p core.GPIOPin) (gpio.PinIO, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if io, ok := g.pins[p]; ok {
		return io, nil
	}
	io := g.lookup(p)
	if io == nil {
		return nil, errors.Wrapf(core.ErrNotSupported, "gpio %d", p)
	}
	g.pins[p] = io
	return io, nil
}

func (g *GPIO) ConfigureOutput(p core.GPIOPin) error {
	io, err := g.pin(p)
	if err != nil {
		return err
	}
	return errors.Wrapf(io.Out(gpio.Low), "gpio %s output", io)
}

func (g *GPIO) ConfigureInputPullUp(p core.GPIOPin) error {
	io, err := g.pin(p)
	if err != nil {
		return err
	}
	return errors.Wrapf(io.In(gpio.PullUp, gpio.NoEdge), "gpio %s input", io)
}

func (g *GPIO) SetPin(p core.GPIOPin, value bool) error {
	io, err := g.pin(p)
	if err != nil {
		return err
	}
	return errors.Wrapf(io.Out(gpio.Level(value)), "set gpio %s", io)
}

func (g *GPIO) GetPin(p core.GPIOPin) (bool, error) {
	io, err := g.pin(p)
	if err != nil {
		return false, err
	}
	return bool(io.Read()), nil
}

var _ core.GPIODriver = (*GPIO)(nil)

// edgePoll bounds how long Close waits for the watcher.
const edgePoll = 50 * time.Millisecond

// IRQWatcher fires a gate on every falling edge of the modem interrupt
// pin. The gate latches edges that arrive while it is disabled.
type IRQWatcher struct {
	pin  gpio.PinIn
	gate *core.Gate
	log  logr.Logger

	stop  chan struct{}
	done  chan struct{}
	edges uint32
	mu    sync.Mutex
}

// WatchIRQ configures pin as a pulled-up falling-edge input and starts the
// watcher.
func WatchIRQ(pin gpio.PinIn, gate *core.Gate, log logr.Logger) (*IRQWatcher, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, errors.Wrapf(err, "irq pin %s", pin)
	}
	w := &IRQWatcher{
		pin:  pin,
		gate: gate,
		log:  log.WithName("irq"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *IRQWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if !w.pin.WaitForEdge(edgePoll) {
			continue
		}
		w.log.V(1).Info("edge", "pin", w.pin.Name())
		w.gate.Fire()
		w.mu.Lock()
		w.edges++
		w.mu.Unlock()
	}
}

// Edges returns the number of edges seen.
func (w *IRQWatcher) Edges() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edges
}

// Close stops the watcher and waits for it to exit.
func (w *IRQWatcher) Close() error {
	close(w.stop)
	<-w.done
	return errors.Wrap(w.pin.In(gpio.PullUp, gpio.NoEdge), "release irq pin")
}
