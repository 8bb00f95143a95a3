package core

import (
	"sort"
	"sync"
)

// Channels maps channel indexes to engines. Indexes that were never opened
// are invalid.
type Channels struct {
	mu      sync.RWMutex
	engines map[uint8]*Engine
}

// NewChannels creates an empty registry.
func NewChannels() *Channels {
	return &Channels{engines: make(map[uint8]*Engine)}
}

// Open registers e under index, replacing any previous engine.
func (c *Channels) Open(index uint8, e *Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines[index] = e
}

// Get returns the engine for index or ErrInvalidChannel.
func (c *Channels) Get(index uint8) (*Engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.engines[index]
	if !ok {
		return nil, ErrInvalidChannel
	}
	return e, nil
}

// Indexes returns the open indexes in ascending order.
func (c *Channels) Indexes() []uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint8, 0, len(c.engines))
	for i := range c.engines {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// PumpAll advances every non-blocking transaction once. It is the
// "process" hook of a cooperative scheduler.
func (c *Channels) PumpAll() {
	for _, i := range c.Indexes() {
		e, err := c.Get(i)
		if err == nil {
			_ = e.Pump()
		}
	}
}
