//go:build !tinygo

package core

import "sync"

// irqState is a placeholder for interrupt state on regular Go
type irqState uintptr

// critical stands in for the interrupt mask on regular Go, where DMA
// completion and peer interrupts are goroutines. Sections must not nest.
var critical sync.Mutex

// disableInterrupts enters the critical section
func disableInterrupts() irqState {
	critical.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state irqState) {
	critical.Unlock()
}
