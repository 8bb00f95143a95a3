//go:build rp2040

package main

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"modemlink/core"
)

// SPI master programs, one side-set bit driving SCK. Each bit takes four
// PIO cycles.
//
//	cpha0: out pins, 1  side 0 [1]
//	       in  pins, 1  side 1 [1]
//
//	cpha1: out x, 1     side 0
//	       mov pins, x  side 1 [1]
//	       in  pins, 1  side 0
var (
	spiCPHA0 = []uint16{0x6101, 0x5101}
	spiCPHA1 = []uint16{0x6021, 0xb101, 0x4001}
)

// pioSPI is a drivers.SPI on one PIO state machine. It supports clock
// polarity 0 only.
type pioSPI struct {
	sm            rp2pio.StateMachine
	sck, sdo, sdi machine.Pin

	// program offsets by clock phase, loaded on first use
	offsets [2]uint8
	loaded  [2]bool
}

func newPIOSPI(sm rp2pio.StateMachine, sck, sdo, sdi machine.Pin) *pioSPI {
	sm.TryClaim()
	return &pioSPI{sm: sm, sck: sck, sdo: sdo, sdi: sdi}
}

// Configure loads the program for the clock phase and sets the clock
// divider. The state machine is restarted with empty FIFOs.
func (s *pioSPI) Configure(cfg core.BusConfig) error {
	if cfg.Polarity != 0 || cfg.ClockHz == 0 {
		return core.ErrNotSupported
	}
	phase := cfg.Phase & 1
	prog := spiCPHA0
	if phase != 0 {
		prog = spiCPHA1
	}

	pio := s.sm.PIO()
	s.sm.SetEnabled(false)
	if !s.loaded[phase] {
		offset, err := pio.AddProgram(prog, -1)
		if err != nil {
			return err
		}
		s.offsets[phase], s.loaded[phase] = offset, true
	}
	offset := s.offsets[phase]

	for _, p := range []machine.Pin{s.sck, s.sdo, s.sdi} {
		p.Configure(machine.PinConfig{Mode: pio.PinMode()})
	}

	sc := rp2pio.DefaultStateMachineConfig()
	sc.SetWrap(offset+uint8(len(prog))-1, offset)
	sc.SetSidesetParams(1, false, false)
	sc.SetSidesetPins(s.sck)
	sc.SetOutPins(s.sdo, 1)
	sc.SetInPins(s.sdi)
	// MSB first, autopull and autopush every 8 bits
	sc.SetOutShift(false, true, 8)
	sc.SetInShift(false, true, 8)

	// four PIO cycles per SCK period, divider in 16.8 fixed point
	q := uint64(machine.CPUFrequency()) * 256 / (4 * uint64(cfg.ClockHz))
	div, frac := q>>8, q&0xFF
	switch {
	case div == 0:
		div, frac = 1, 0
	case div > 0xFFFF:
		div, frac = 0xFFFF, 0
	}
	sc.SetClkDivIntFrac(uint16(div), uint8(frac))

	s.sm.Init(offset, sc)
	s.sm.SetPindirsConsecutive(s.sck, 1, true)
	s.sm.SetPindirsConsecutive(s.sdo, 1, true)
	s.sm.SetPindirsConsecutive(s.sdi, 1, false)
	s.sm.SetPinsConsecutive(s.sck, 1, false)
	s.sm.ClearFIFOs()
	s.sm.SetEnabled(true)
	return nil
}

// Tx clocks w out and r in, one byte in flight at a time. Either slice
// may be nil.
func (s *pioSPI) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, _ := s.Transfer(out)
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

func (s *pioSPI) Transfer(b byte) (byte, error) {
	for s.sm.IsTxFIFOFull() {
	}
	// left shift takes bits from the top of the word
	s.sm.TxPut(uint32(b) << 24)
	for s.sm.IsRxFIFOEmpty() {
	}
	return byte(s.sm.RxGet()), nil
}
