//go:build rp2040

package main

import (
	"machine"
	"time"

	"github.com/go-logr/logr"

	"modemlink/bridge"
	"modemlink/core"
	"modemlink/protocol"
)

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport
	server       *bridge.Server
	channels     *core.Channels

	msgerrors          uint32
	usbWasDisconnected bool
	writeFailures      uint32
)

func main() {
	// clear watchdog state left over from a previous reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}
	InitUSB()

	gpio := NewRPGPIODriver()
	var err error
	channels, err = openChannels(gpio)
	if err != nil {
		failLoop()
	}
	server = bridge.NewServer(channels, gpio, logr.Discard())

	inputBuffer = protocol.NewFifoBuffer(4 * protocol.MessageLengthMax)
	outputBuffer = protocol.NewScratchOutput()
	transport = protocol.NewTransport(outputBuffer, server.Handle)
	transport.SetResetCallback(func() {
		inputBuffer.Reset()
		outputBuffer.Reset()
		resetChannels()
	})
	// acks and results go out as soon as they are encoded
	transport.SetFlushCallback(writeUSB)
	server.Attach(transport)

	sched := core.NewScheduler()
	for _, oid := range channels.Indexes() {
		eng, _ := channels.Get(oid)
		sched.Add(eng.PumpTimer(1))
	}

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			UpdateSystemTime()
			if inputBuffer.Available() > 0 {
				transport.Receive(inputBuffer)
			}
			server.Process()
			sched.Process()
			if len(outputBuffer.Result()) > 0 {
				writeUSB()
			}
		}()
		time.Sleep(10 * time.Microsecond)
	}
}

func resetChannels() {
	for _, oid := range channels.Indexes() {
		if eng, err := channels.Get(oid); err == nil {
			eng.Reset()
		}
	}
}

// failLoop blinks the LED when the board cannot be brought up.
func failLoop() {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(400 * time.Millisecond)
	}
}

func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		if USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				msgerrors++
				time.Sleep(time.Millisecond)
				continue
			}
			if usbWasDisconnected {
				// fresh connection: drop everything from the old one
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				transport.Reset()
				resetChannels()
				writeFailures = 0
			}
			if inputBuffer.Write([]byte{b}) == 0 {
				msgerrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB sends the output buffer. After repeated failures the link is
// treated as gone and pending data is dropped.
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			writeFailures++
			if writeFailures > 10 {
				usbWasDisconnected = true
				writeFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	writeFailures = 0
	outputBuffer.Reset()
}
