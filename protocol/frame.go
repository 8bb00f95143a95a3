package protocol

import "bytes"

// Block is one decoded message block. Payload aliases the input.
type Block struct {
	Seq     uint8
	Payload []byte
}

// IsAck reports whether the block is an acknowledgement.
func (b Block) IsAck() bool { return len(b.Payload) == 0 }

// EncodeBlock builds a complete block around payload.
func EncodeBlock(seq uint8, payload []byte) ([]byte, error) {
	n := MessageLengthMin + len(payload)
	if n > MessageLengthMax {
		return nil, ErrBlockTooLarge
	}
	b := make([]byte, 0, n)
	b = append(b, byte(n), seq)
	b = append(b, payload...)
	return appendTrailer(b), nil
}

// DecodeBlock returns the first valid block in data, skipping garbage
// before it, and the number of bytes consumed.
func DecodeBlock(data []byte) (Block, int, error) {
	d := newDecoder()
	b, used, ok := d.next(data)
	if !ok {
		return Block{}, used, ErrNoBlock
	}
	return b, used, nil
}

// decoder finds blocks in a byte stream. After a bad block it drops bytes
// up to the next sync byte.
type decoder struct {
	synced bool

	// onResync is called when sync is regained.
	onResync func()

	errors uint32
}

func newDecoder() decoder { return decoder{synced: true} }

func (d *decoder) lose() {
	d.synced = false
	d.errors++
}

// next returns the first complete block in data and the number of bytes
// consumed. ok is false when data holds no complete block; used then
// counts the bytes that can be dropped.
func (d *decoder) next(data []byte) (b Block, used int, ok bool) {
	for used < len(data) {
		rest := data[used:]
		if !d.synced {
			i := bytes.IndexByte(rest, MessageValueSync)
			if i < 0 {
				return Block{}, len(data), false
			}
			used += i + 1
			d.synced = true
			if d.onResync != nil {
				d.onResync()
			}
			continue
		}
		if rest[0] == MessageValueSync {
			used++
			continue
		}
		if len(rest) < MessageLengthMin {
			break
		}
		n := int(rest[MessagePositionLen])
		seq := rest[MessagePositionSeq]
		if n < MessageLengthMin || seq&^MessageSeqMask != MessageDest {
			d.lose()
			continue
		}
		if len(rest) < n {
			break
		}
		if rest[n-MessageTrailerSync] != MessageValueSync {
			d.lose()
			continue
		}
		crc := uint16(rest[n-MessageTrailerCRC])<<8 | uint16(rest[n-MessageTrailerCRC+1])
		if crc != CRC16(rest[:n-MessageTrailerSize]) {
			d.lose()
			continue
		}
		return Block{Seq: seq, Payload: rest[MessageHeaderSize : n-MessageTrailerSize]}, used + n, true
	}
	return Block{}, used, false
}
