// Package protocol is the framed serial link between the modemlink host
// and the bridge firmware. A message block is
//
//	len, seq, payload..., crc_hi, crc_lo, 0x7E
//
// where the payload is a run of VLQ-encoded command ids and arguments.
// Empty payloads are acknowledgements carrying the next expected
// sequence.
package protocol

// Version identifies the bridge protocol in the identify dictionary.
const Version = "modemlink-bridge-1"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize

	// MessageLengthMax is bounded by the one-byte length field.
	MessageLengthMax = 255

	// MessagePayloadMax is the largest payload one block carries.
	MessagePayloadMax = MessageLengthMax - MessageLengthMin

	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Both directions carry 0x10 in the high bits of seq.
	MessageDest     = 0x10
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4
)

// OutputMax sizes the firmware output buffer. It holds a few full blocks
// between flushes.
const OutputMax = 4 * MessageLengthMax

func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
