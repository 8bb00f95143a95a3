package core

// Direction of a transaction as seen from the host.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Header describes one command. It is built per transaction and never
// modified once handed to the engine.
type Header struct {
	Address   uint32
	Direction Direction
	Opcode    uint16 // opcode or jump code; boot command for BootCommand
	Repeat    uint8
	Length    int // caller-visible payload length
}

// PeerMode is the firmware state reported in a response preamble.
type PeerMode uint8

const (
	ModeUnknown PeerMode = iota
	ModeBoot
	ModeApplication
)

func (m PeerMode) String() string {
	switch m {
	case ModeBoot:
		return "boot"
	case ModeApplication:
		return "application"
	}
	return "unknown"
}

// Event flags carried in the WordCommand status word.
const (
	FlagTxConfirm     uint32 = 1 << 0
	FlagRxData        uint32 = 1 << 1
	FlagCarrierDetect uint32 = 1 << 2
	FlagRegResponse   uint32 = 1 << 3
	FlagRxParams      uint32 = 1 << 4
	FlagBootPending   uint32 = 1 << 16
)

// Status is decoded from the response header. Unknown preambles decode to
// the zero value.
type Status struct {
	Mode  PeerMode
	Flags uint32
}

func (s Status) InBootloader() bool     { return s.Mode == ModeBoot }
func (s Status) TxConfirm() bool        { return s.Mode == ModeApplication && s.Flags&FlagTxConfirm != 0 }
func (s Status) RxData() bool           { return s.Mode == ModeApplication && s.Flags&FlagRxData != 0 }
func (s Status) CarrierDetect() bool    { return s.Mode == ModeApplication && s.Flags&FlagCarrierDetect != 0 }
func (s Status) RegisterResponse() bool { return s.Mode == ModeApplication && s.Flags&FlagRegResponse != 0 }
func (s Status) RxParams() bool         { return s.Mode == ModeApplication && s.Flags&FlagRxParams != 0 }

// Layout is one chip family's wire format.
type Layout interface {
	Name() string
	HeaderSize() int
	WordSize() WordSize

	// MaxLength is the largest payload the format itself can express.
	MaxLength() int

	// Encode writes header and payload into tx and returns the number of
	// bytes to clock out, padding included. Read payloads are zero-filled.
	// Nothing is written when an error is returned.
	Encode(tx []byte, h Header, payload []byte) (int, error)

	// Decode recovers a header from an encoded frame.
	Decode(b []byte) (Header, error)

	// Status decodes the response preamble.
	Status(rx []byte) Status
}

// framedLength returns the transmitted size for a payload of n bytes.
func framedLength(l Layout, n int) int {
	size := l.HeaderSize() + n
	if l.WordSize() == Word16 && size%2 != 0 {
		size++
	}
	return size
}

func checkEncode(l Layout, tx []byte, h Header, payload []byte, allowZero bool) (int, error) {
	if h.Length < 0 || h.Length > l.MaxLength() {
		return 0, ErrPayloadTooLarge
	}
	if h.Length == 0 && !allowZero {
		return 0, ErrZeroLength
	}
	if h.Direction == Write && len(payload) < h.Length {
		return 0, ErrPayloadTooLarge
	}
	n := framedLength(l, h.Length)
	if n > len(tx) {
		return 0, ErrPayloadTooLarge
	}
	return n, nil
}

func fillPayload(dst []byte, h Header, payload []byte) {
	if h.Direction == Write {
		copy(dst, payload[:h.Length])
		dst = dst[h.Length:]
	}
	for i := range dst {
		dst[i] = 0
	}
}

// Operation codes for ShortAddress, placed in the top bits of byte 2.
const (
	OpNone uint8 = 0x00
	OpAnd  uint8 = 0x20
	OpOr   uint8 = 0x40
	OpXor  uint8 = 0x80
)

// ShortAddress is the 3-byte layout of simple devices:
// addr_hi, addr_lo, opcode|repeat. Bit 15 of the address flags a write.
type ShortAddress struct {
	Max int
}

const (
	shortWriteFlag  = 0x8000
	shortAddrMask   = 0x7FFF
	shortOpMask     = 0xE0
	shortRepeatMask = 0x1F
)

func (ShortAddress) Name() string         { return "short-address" }
func (ShortAddress) HeaderSize() int      { return 3 }
func (ShortAddress) WordSize() WordSize   { return Word8 }
func (l ShortAddress) MaxLength() int     { return l.Max }
func (ShortAddress) Status([]byte) Status { return Status{} }

func (l ShortAddress) Encode(tx []byte, h Header, payload []byte) (int, error) {
	n, err := checkEncode(l, tx, h, payload, false)
	if err != nil {
		return 0, err
	}
	if h.Address > shortAddrMask {
		return 0, ErrInvalidAddress
	}
	if h.Opcode&^shortOpMask != 0 || h.Repeat&^shortRepeatMask != 0 {
		return 0, ErrInvalidHeader
	}
	addr := uint16(h.Address)
	if h.Direction == Write {
		addr |= shortWriteFlag
	}
	tx[0] = byte(addr >> 8)
	tx[1] = byte(addr)
	tx[2] = uint8(h.Opcode) | h.Repeat
	fillPayload(tx[3:n], h, payload)
	return n, nil
}

func (l ShortAddress) Decode(b []byte) (Header, error) {
	if len(b) < 3 {
		return Header{}, ErrZeroLength
	}
	addr := uint16(b[0])<<8 | uint16(b[1])
	h := Header{
		Address: uint32(addr & shortAddrMask),
		Opcode:  uint16(b[2] & shortOpMask),
		Repeat:  b[2] & shortRepeatMask,
		Length:  len(b) - 3,
	}
	if addr&shortWriteFlag != 0 {
		h.Direction = Write
	}
	return h, nil
}

// CommandWord is the 2-byte layout of richer devices: mode in the top two
// bits (00 read, 10 write) and a 14-bit register address.
type CommandWord struct {
	Max          int
	LastRegister uint32
}

const (
	cmdWordRead  = 0x0000
	cmdWordWrite = 0x8000
	cmdWordAddr  = 0x3FFF
)

func (CommandWord) Name() string         { return "command-word" }
func (CommandWord) HeaderSize() int      { return 2 }
func (CommandWord) WordSize() WordSize   { return Word8 }
func (l CommandWord) MaxLength() int     { return l.Max }
func (CommandWord) Status([]byte) Status { return Status{} }

func (l CommandWord) Encode(tx []byte, h Header, payload []byte) (int, error) {
	n, err := checkEncode(l, tx, h, payload, false)
	if err != nil {
		return 0, err
	}
	if h.Address > cmdWordAddr || h.Address+uint32(h.Length) > l.LastRegister+1 {
		return 0, ErrInvalidAddress
	}
	cmd := uint16(h.Address) & cmdWordAddr
	if h.Direction == Write {
		cmd |= cmdWordWrite
	}
	tx[0] = byte(cmd >> 8)
	tx[1] = byte(cmd)
	fillPayload(tx[2:n], h, payload)
	return n, nil
}

func (CommandWord) Decode(b []byte) (Header, error) {
	if len(b) < 2 {
		return Header{}, ErrZeroLength
	}
	cmd := uint16(b[0])<<8 | uint16(b[1])
	h := Header{
		Address: uint32(cmd & cmdWordAddr),
		Length:  len(b) - 2,
	}
	if cmd&0xC000 == cmdWordWrite {
		h.Direction = Write
	}
	return h, nil
}

// BootCommand is the boot-mode layout: 4-byte target address and 2-byte
// command code, both little-endian, then the payload. Boot frames always
// carry the payload when one is given; a Read boot command also returns
// the bytes clocked in behind the header.
type BootCommand struct {
	Max int
}

func (BootCommand) Name() string       { return "boot-command" }
func (BootCommand) HeaderSize() int    { return 6 }
func (BootCommand) WordSize() WordSize { return Word8 }
func (l BootCommand) MaxLength() int   { return l.Max }

func (l BootCommand) Encode(tx []byte, h Header, payload []byte) (int, error) {
	n, err := checkEncode(l, tx, h, payload, true)
	if err != nil {
		return 0, err
	}
	tx[0] = byte(h.Address)
	tx[1] = byte(h.Address >> 8)
	tx[2] = byte(h.Address >> 16)
	tx[3] = byte(h.Address >> 24)
	tx[4] = byte(h.Opcode)
	tx[5] = byte(h.Opcode >> 8)
	if len(payload) >= h.Length {
		h.Direction = Write
	}
	fillPayload(tx[6:n], h, payload)
	return n, nil
}

func (BootCommand) Decode(b []byte) (Header, error) {
	if len(b) < 6 {
		return Header{}, ErrZeroLength
	}
	return Header{
		Address:   uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24,
		Opcode:    uint16(b[4]) | uint16(b[5])<<8,
		Direction: Write,
		Length:    len(b) - 6,
	}, nil
}

// Boot responses carry the same status preamble as WordCommand.
func (BootCommand) Status(rx []byte) Status {
	return decodeWordStatus(rx)
}

// WordCommand is the application-mode layout: addr_lo, addr_hi,
// lenwr_lo, lenwr_hi where lenwr = (half-words & 0x7FFF) | dir<<15.
// Frames are clocked as 16-bit words and padded to an even byte count.
type WordCommand struct {
	Max int
}

const (
	wordCmdWritePos = 15
	wordCmdLenMask  = 0x7FFF

	statusIDBoot        = 0x5634
	statusIDBootMask    = 0xFFFE
	statusIDApplication = 0x1022
)

func (WordCommand) Name() string       { return "word-command" }
func (WordCommand) HeaderSize() int    { return 4 }
func (WordCommand) WordSize() WordSize { return Word16 }
func (l WordCommand) MaxLength() int   { return l.Max }

func (l WordCommand) Encode(tx []byte, h Header, payload []byte) (int, error) {
	n, err := checkEncode(l, tx, h, payload, false)
	if err != nil {
		return 0, err
	}
	if h.Address > 0xFFFF {
		return 0, ErrInvalidAddress
	}
	lenwr := uint16((h.Length+1)/2) & wordCmdLenMask
	if h.Direction == Write {
		lenwr |= 1 << wordCmdWritePos
	}
	tx[0] = byte(h.Address)
	tx[1] = byte(h.Address >> 8)
	tx[2] = byte(lenwr)
	tx[3] = byte(lenwr >> 8)
	fillPayload(tx[4:n], h, payload)
	return n, nil
}

// Decode recovers the length in half-words, so odd lengths come back
// rounded up to even.
func (WordCommand) Decode(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, ErrZeroLength
	}
	lenwr := uint16(b[2]) | uint16(b[3])<<8
	h := Header{
		Address: uint32(b[0]) | uint32(b[1])<<8,
		Length:  int(lenwr&wordCmdLenMask) * 2,
	}
	if lenwr>>wordCmdWritePos != 0 {
		h.Direction = Write
	}
	return h, nil
}

func (WordCommand) Status(rx []byte) Status {
	return decodeWordStatus(rx)
}

func decodeWordStatus(rx []byte) Status {
	if len(rx) < 4 {
		return Status{}
	}
	id := uint16(rx[1])<<8 | uint16(rx[0])
	switch {
	case id&statusIDBootMask == statusIDBoot:
		return Status{
			Mode:  ModeBoot,
			Flags: uint32(rx[3])<<8 | uint32(rx[2]) | uint32(rx[0]&1)<<16,
		}
	case id == statusIDApplication:
		return Status{
			Mode:  ModeApplication,
			Flags: uint32(rx[3])<<8 | uint32(rx[2]),
		}
	}
	return Status{}
}

// Raw carries the payload with no header. The bridge uses it for frames
// already encoded on the host; the bytes clocked in come back in place
// of the payload.
type Raw struct {
	Max  int
	Word WordSize
}

func (Raw) Name() string         { return "raw" }
func (Raw) HeaderSize() int      { return 0 }
func (l Raw) MaxLength() int     { return l.Max }
func (Raw) Status([]byte) Status { return Status{} }

func (l Raw) WordSize() WordSize {
	if l.Word == 0 {
		return Word8
	}
	return l.Word
}

func (l Raw) Encode(tx []byte, h Header, payload []byte) (int, error) {
	n, err := checkEncode(l, tx, h, payload, false)
	if err != nil {
		return 0, err
	}
	if len(payload) >= h.Length {
		h.Direction = Write
	}
	fillPayload(tx[:n], h, payload)
	return n, nil
}

func (Raw) Decode(b []byte) (Header, error) {
	if len(b) == 0 {
		return Header{}, ErrZeroLength
	}
	return Header{Direction: Write, Length: len(b)}, nil
}
