//go:build rp2040

package main

import "machine"

// Channel 0 is the PLC modem on hardware SPI0. Channel 1 is the RF
// transceiver on a PIO SPI master. Reset, LDO and standby lines are
// driven by the host through pin_set.
const (
	plcOID = 0
	rfOID  = 1
)

const (
	plcSCK = machine.GPIO18
	plcSDO = machine.GPIO19
	plcSDI = machine.GPIO16
	plcCS  = machine.GPIO17
	plcIRQ = machine.GPIO20

	rfSCK = machine.GPIO10
	rfSDO = machine.GPIO11
	rfSDI = machine.GPIO12
	rfCS  = machine.GPIO13
	rfIRQ = machine.GPIO14
)

const (
	plcClockHz    = 8000000
	plcMaxPayload = 1040
	plcSpins      = 50000

	rfClockHz    = 4000000
	rfMaxPayload = 2056 // one frame buffer plus the command word
	rfSpins      = 500000
)
