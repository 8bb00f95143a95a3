package sim

import (
	"sync"
	"time"

	"modemlink/core"
)

// PinEvent is one recorded SetPin call or delay.
type PinEvent struct {
	Pin   core.GPIOPin
	Value bool
	Delay time.Duration // set for delay markers, Pin is core.NoPin
}

// GPIO is an in-memory core.GPIODriver. It records every write and every
// delay passed to Sleep so board sequences can be checked in order.
type GPIO struct {
	mu     sync.Mutex
	levels map[core.GPIOPin]bool
	outs   map[core.GPIOPin]bool
	events []PinEvent
}

// NewGPIO creates a driver with every pin low.
func NewGPIO() *GPIO {
	return &GPIO{
		levels: make(map[core.GPIOPin]bool),
		outs:   make(map[core.GPIOPin]bool),
	}
}

func (g *GPIO) ConfigureOutput(pin core.GPIOPin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outs[pin] = true
	return nil
}

func (g *GPIO) ConfigureInputPullUp(pin core.GPIOPin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.levels[pin]; !ok {
		g.levels[pin] = true
	}
	return nil
}

func (g *GPIO) SetPin(pin core.GPIOPin, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels[pin] = value
	g.events = append(g.events, PinEvent{Pin: pin, Value: value})
	return nil
}

func (g *GPIO) GetPin(pin core.GPIOPin) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[pin], nil
}

// Drive sets an input level without recording an event.
func (g *GPIO) Drive(pin core.GPIOPin, value bool) {
	g.mu.Lock()
	g.levels[pin] = value
	g.mu.Unlock()
}

// Level returns the current level of pin.
func (g *GPIO) Level(pin core.GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[pin]
}

// IsOutput reports whether pin was configured as an output.
func (g *GPIO) IsOutput(pin core.GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outs[pin]
}

// Sleep records d instead of sleeping.
func (g *GPIO) Sleep(d time.Duration) {
	g.mu.Lock()
	g.events = append(g.events, PinEvent{Pin: core.NoPin, Delay: d})
	g.mu.Unlock()
}

// Events returns the recorded writes and delays.
func (g *GPIO) Events() []PinEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PinEvent(nil), g.events...)
}

// ResetEvents clears the record.
func (g *GPIO) ResetEvents() {
	g.mu.Lock()
	g.events = nil
	g.mu.Unlock()
}

// IRQ is a simulated interrupt controller input.
type IRQ struct {
	mu      sync.Mutex
	masked  bool
	masks   int
	unmasks int
}

func (q *IRQ) Mask() {
	q.mu.Lock()
	q.masked = true
	q.masks++
	q.mu.Unlock()
}

func (q *IRQ) Unmask() {
	q.mu.Lock()
	q.masked = false
	q.unmasks++
	q.mu.Unlock()
}

// Masked reports whether the source is masked.
func (q *IRQ) Masked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.masked
}

// Counts returns how many times the source was masked and unmasked.
func (q *IRQ) Counts() (masks, unmasks int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.masks, q.unmasks
}
