//go:build rp2040

package main

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"modemlink/backend/tinydrv"
	"modemlink/core"
)

// openPLC wraps hardware SPI0. Chip select is a plain GPIO so that it
// stays asserted across the whole frame.
func openPLC(gpio core.GPIODriver) (*tinydrv.Bus, error) {
	spi := machine.SPI0
	return tinydrv.New(spi, tinydrv.Options{
		CS:   core.Line{Pin: core.GPIOPin(plcCS), ActiveLow: true},
		GPIO: gpio,
		Reconfigure: func(cfg core.BusConfig) error {
			return spi.Configure(machine.SPIConfig{
				Frequency: cfg.ClockHz,
				SCK:       plcSCK,
				SDO:       plcSDO,
				SDI:       plcSDI,
				Mode:      uint8(cfg.Mode()),
				DataBits:  8,
			})
		},
	})
}

// openRF runs the transceiver on PIO0 state machine 0.
func openRF(gpio core.GPIODriver) (*tinydrv.Bus, error) {
	spi := newPIOSPI(rp2pio.PIO0.StateMachine(0), rfSCK, rfSDO, rfSDI)
	return tinydrv.New(spi, tinydrv.Options{
		CS:          core.Line{Pin: core.GPIOPin(rfCS), ActiveLow: true},
		GPIO:        gpio,
		Reconfigure: spi.Configure,
	})
}

func openChannels(gpio core.GPIODriver) (*core.Channels, error) {
	chans := core.NewChannels()

	plc, err := openPLC(gpio)
	if err != nil {
		return nil, err
	}
	plcGate, err := irqGate(plcIRQ)
	if err != nil {
		return nil, err
	}
	eng, err := core.NewEngine(plc, core.EngineConfig{
		Name:       "plc",
		Bus:        core.BusConfig{ClockHz: plcClockHz},
		MaxPayload: plcMaxPayload,
		Budget:     core.BudgetFor(plcSpins),
		Gate:       plcGate,
	})
	if err != nil {
		return nil, err
	}
	chans.Open(plcOID, eng)

	rf, err := openRF(gpio)
	if err != nil {
		return nil, err
	}
	rfGate, err := irqGate(rfIRQ)
	if err != nil {
		return nil, err
	}
	eng, err = core.NewEngine(rf, core.EngineConfig{
		Name:       "rf",
		Bus:        core.BusConfig{ClockHz: rfClockHz},
		MaxPayload: rfMaxPayload,
		Budget:     core.BudgetFor(rfSpins),
		Gate:       rfGate,
	})
	if err != nil {
		return nil, err
	}
	chans.Open(rfOID, eng)
	return chans, nil
}
