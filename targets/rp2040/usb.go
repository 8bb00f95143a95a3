//go:build rp2040

package main

import "machine"

// InitUSB configures the CDC-ACM port. On the RP2040 machine.Serial is
// USB, and the descriptors come from the TinyGo runtime.
func InitUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

func USBAvailable() int {
	return machine.Serial.Buffered()
}

func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
