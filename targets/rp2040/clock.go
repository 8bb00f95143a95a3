//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"modemlink/core"
)

// RP2040 64-bit microsecond timer
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08
	timerTIMERAWL = timerBase + 0x0C
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

// uptimeMicros reads the full timer. High is read twice to catch a
// rollover of the low word.
func uptimeMicros() uint64 {
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return uint64(high1)<<32 | uint64(low)
		}
	}
}

// UpdateSystemTime moves the core millisecond clock to the hardware timer.
func UpdateSystemTime() {
	core.SetMillis(uint32(uptimeMicros() / 1000))
}
