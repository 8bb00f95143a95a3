package protocol

import (
	"sync/atomic"

	"github.com/go-logr/logr"
)

// CommandHandler handles one command. It decodes its own arguments from
// data and leaves data positioned after them.
type CommandHandler func(cmdID uint16, data *[]byte) error

// TransportStats are the firmware link counters.
type TransportStats struct {
	Blocks  uint32 // accepted blocks
	Stale   uint32 // blocks with an unexpected sequence
	Errors  uint32 // framing and checksum errors
	Failed  uint32 // handler errors
	Resets  uint32 // host restarts seen
	Dropped uint32 // output bytes lost to a full buffer
}

// Transport is the firmware end of the link. Every received block is
// acknowledged with the next expected sequence, whether or not it was in
// order; an out-of-order acknowledgement doubles as a NAK.
type Transport struct {
	dec     decoder
	nextSeq uint32 // atomic; 0x10-0x1F

	output  OutputBuffer
	handler CommandHandler
	log     logr.Logger

	onReset func()
	onFlush func()

	stats TransportStats
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		dec:     newDecoder(),
		nextSeq: MessageDest,
		output:  output,
		handler: handler,
		log:     logr.Discard(),
	}
	t.dec.onResync = t.encodeAckNak
	return t
}

// SetLogger sets the logger. Logging happens on the receive path only.
func (t *Transport) SetLogger(log logr.Logger) { t.log = log.WithName("link") }

// SetResetCallback is called when the host restarts its sequence.
func (t *Transport) SetResetCallback(fn func()) { t.onReset = fn }

// SetFlushCallback pushes pending output to the wire. It is called after
// every acknowledgement and by Flush.
func (t *Transport) SetFlushCallback(fn func()) { t.onFlush = fn }

// Receive parses every complete block in input and pops what it used.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	total := 0
	for {
		blk, used, ok := t.dec.next(data[total:])
		total += used
		if !ok {
			break
		}
		t.accept(blk)
	}
	t.stats.Errors = t.dec.errors
	if total > 0 {
		input.Pop(total)
	}
}

func (t *Transport) accept(blk Block) {
	expected := uint8(atomic.LoadUint32(&t.nextSeq))
	if blk.Seq == MessageDest && expected != MessageDest {
		// the host restarted its sequence
		atomic.StoreUint32(&t.nextSeq, MessageDest)
		expected = MessageDest
		t.stats.Resets++
		t.log.Info("host reset")
		if t.onReset != nil {
			t.onReset()
		}
	}
	if blk.Seq == expected {
		atomic.StoreUint32(&t.nextSeq, uint32(nextSeq(blk.Seq)))
		t.stats.Blocks++
		if err := t.dispatch(blk.Payload); err != nil {
			t.stats.Failed++
			t.log.Error(err, "command failed")
		}
	} else {
		t.stats.Stale++
		t.log.V(1).Info("stale block", "seq", blk.Seq, "expected", expected)
	}
	t.encodeAckNak()
}

func (t *Transport) dispatch(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.dec.synced = false
			err = errPanic
		}
	}()
	for len(frame) > 0 {
		id, err := DecodeVLQUint(&frame)
		if err != nil {
			t.dec.synced = false
			return err
		}
		if t.handler == nil {
			return nil
		}
		if err := t.handler(uint16(id), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) encodeAckNak() {
	seq := uint8(atomic.LoadUint32(&t.nextSeq))
	t.output.Output(appendTrailer([]byte{MessageLengthMin, seq}))
	t.Flush()
}

// EncodeFrame writes one block whose payload is produced by body.
// Responses share the sequence of the last acknowledgement.
func (t *Transport) EncodeFrame(body func(output OutputBuffer)) {
	start := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(atomic.LoadUint32(&t.nextSeq))})
	body(t.output)
	n := len(t.output.DataSince(start))
	if n+MessageTrailerSize > MessageLengthMax {
		t.log.Error(ErrBlockTooLarge, "response dropped", "length", n+MessageTrailerSize)
		t.stats.Dropped += uint32(n)
		t.truncate(start)
		return
	}
	t.output.Update(start, uint8(n+MessageTrailerSize))
	crc := CRC16(t.output.DataSince(start))
	t.output.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
}

// truncate discards output written since pos, for buffers that support it.
func (t *Transport) truncate(pos int) {
	if s, ok := t.output.(*ScratchOutput); ok && pos <= s.pos {
		s.pos = pos
	}
}

// SendCommand encodes a response or event block.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Flush calls the flush callback.
func (t *Transport) Flush() {
	if t.onFlush != nil {
		t.onFlush()
	}
}

// Reset returns to the power-on state, as after a USB reconnect.
func (t *Transport) Reset() {
	t.dec.synced = true
	atomic.StoreUint32(&t.nextSeq, MessageDest)
	if t.onReset != nil {
		t.onReset()
	}
}

// Stats returns the link counters.
func (t *Transport) Stats() TransportStats {
	s := t.stats
	if so, ok := t.output.(*ScratchOutput); ok {
		s.Dropped += uint32(so.Dropped())
	}
	return s
}
