// Package bridge exposes modemlink channels over the framed serial link,
// so that a host drives modem SPI buses hanging off a USB microcontroller.
// Server runs on the firmware; the host side lives in host/mcu.
package bridge

// Command ids, host to firmware. Ids are fixed so that both ends agree
// without negotiating a dictionary.
const (
	CmdIdentify  uint16 = 1  // identify offset count
	CmdSPIConfig uint16 = 2  // spi_config oid clock mode word cs
	CmdSPILoad   uint16 = 3  // spi_load oid offset data
	CmdSPIStart  uint16 = 4  // spi_start oid length
	CmdSPIAbort  uint16 = 5  // spi_abort oid
	CmdIRQEnable uint16 = 6  // irq_enable oid enable
	CmdPinSet    uint16 = 7  // pin_set pin value
	CmdPinGet    uint16 = 8  // pin_get pin
	CmdPinConfig uint16 = 14 // pin_config pin mode
)

// Response and event ids, firmware to host.
const (
	MsgIdentify  uint16 = 0  // identify_response offset data
	MsgSPIStatus uint16 = 9  // spi_status oid state
	MsgSPIResult uint16 = 10 // spi_result oid offset last data
	MsgIRQEvent  uint16 = 11 // irq_event oid
	MsgPinState  uint16 = 12 // pin_state pin value
	MsgError     uint16 = 13 // bridge_error oid code
)

// Error codes carried by bridge_error. For pin commands the oid field
// holds the pin number.
const (
	CodeInvalidChannel uint32 = 1
	CodeTooLarge       uint32 = 2
	CodeBusy           uint32 = 3
	CodeTimeout        uint32 = 4
	CodeFaulted        uint32 = 5
	CodePin            uint32 = 6
	CodeFailed         uint32 = 7
)

// Pin modes for pin_config.
const (
	PinOutput      uint32 = 0
	PinInputPullUp uint32 = 1
)

// ChunkSize is the largest data field of spi_load and spi_result. A chunk
// with its arguments fits one message block.
const ChunkSize = 200

// IdentifyChunk is the dictionary slice returned per identify.
const IdentifyChunk = 200

// CodeText names an error code.
func CodeText(code uint32) string {
	switch code {
	case CodeInvalidChannel:
		return "invalid channel"
	case CodeTooLarge:
		return "too large"
	case CodeBusy:
		return "busy"
	case CodeTimeout:
		return "timeout"
	case CodeFaulted:
		return "faulted"
	case CodePin:
		return "pin"
	case CodeFailed:
		return "failed"
	}
	return "unknown"
}
