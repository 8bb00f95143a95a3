package core

import "sync/atomic"

var msTicks uint32

// Tick1ms advances the millisecond clock. Targets call it from their 1 ms
// tick source.
func Tick1ms() {
	atomic.AddUint32(&msTicks, 1)
}

// Millis returns the millisecond clock.
func Millis() uint32 {
	return atomic.LoadUint32(&msTicks)
}

// SetMillis sets the millisecond clock (for testing/hardware integration)
func SetMillis(ms uint32) {
	atomic.StoreUint32(&msTicks, ms)
}

// TimerFromMS converts a period in milliseconds to scheduler time.
func TimerFromMS(ms uint32) uint32 {
	return ms
}
