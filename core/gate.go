package core

// Gate mediates the peer's out-of-band notification line. The line is
// unmasked if and only if the nesting count is zero.
type Gate struct {
	line    IRQLine
	count   uint32
	pending bool
	handler func()
}

// NewGate returns a gate over line with the line unmasked. A nil line is
// allowed for peers without a notification pin.
func NewGate(line IRQLine) *Gate {
	if line == nil {
		line = IRQFunc{}
	}
	g := &Gate{line: line}
	line.Unmask()
	return g
}

// Disable increments the nesting count and masks the line on 0 -> 1.
func (g *Gate) Disable() {
	state := disableInterrupts()
	g.count++
	if g.count == 1 {
		g.line.Mask()
	}
	restoreInterrupts(state)
}

// Enable decrements the nesting count and unmasks the line on 1 -> 0.
// Calls past zero are no-ops. A notification latched while masked is
// delivered after the line is unmasked.
func (g *Gate) Enable() {
	var deliver func()
	state := disableInterrupts()
	if g.count > 0 {
		g.count--
		if g.count == 0 {
			g.line.Unmask()
			if g.pending && g.handler != nil {
				g.pending = false
				deliver = g.handler
			}
		}
	}
	restoreInterrupts(state)
	if deliver != nil {
		deliver()
	}
}

// Enabled reports whether notifications are currently delivered.
func (g *Gate) Enabled() bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return g.count == 0
}

// Count returns the current nesting count.
func (g *Gate) Count() uint32 {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return g.count
}

// SetHandler installs the single notification handler, replacing any
// previous one. A nil fn removes it.
func (g *Gate) SetHandler(fn func()) {
	state := disableInterrupts()
	g.handler = fn
	restoreInterrupts(state)
}

// ClearPending drops a latched notification.
func (g *Gate) ClearPending() {
	state := disableInterrupts()
	g.pending = false
	restoreInterrupts(state)
}

// Pending reports whether a notification is latched.
func (g *Gate) Pending() bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return g.pending
}

// Fire is called from the peer interrupt source. The handler runs now if
// the gate is open, otherwise the event is latched until it reopens.
func (g *Gate) Fire() {
	var deliver func()
	state := disableInterrupts()
	if g.count == 0 {
		deliver = g.handler
	} else {
		g.pending = true
	}
	restoreInterrupts(state)
	if deliver != nil {
		deliver()
	}
}

// Hold disables the gate and returns a guard that re-enables it once.
func (g *Gate) Hold() *Guard {
	g.Disable()
	return &Guard{gate: g}
}

// Guard is a scoped Disable/Enable pair.
type Guard struct {
	gate *Gate
	done bool
}

// Release re-enables the gate. Only the first call has an effect.
func (h *Guard) Release() {
	if h == nil || h.done {
		return
	}
	h.done = true
	h.gate.Enable()
}
