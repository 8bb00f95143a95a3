package protocol

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// DefaultAckTimeout bounds SendCommand.
const DefaultAckTimeout = 2 * time.Second

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("transport closed")

// ResponseHandler receives every response block, decoded to its first
// command id. It runs on the read goroutine and must not send.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is a received response block.
type Message struct {
	Sequence uint8
	Payload  []byte
}

// HostTransport is the host end of the link. One command block is in
// flight at a time; SendCommand returns once it has been acknowledged.
type HostTransport struct {
	port io.ReadWriteCloser
	log  logr.Logger

	seq uint32 // atomic; next sequence to send

	sendMu sync.Mutex
	readMu sync.Mutex
	dec    decoder
	input  *FifoBuffer

	ackChan      chan uint8
	responseChan chan *Message

	handlerMu sync.RWMutex
	handler   ResponseHandler

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostTransport starts the read goroutine on port.
func NewHostTransport(port io.ReadWriteCloser, log logr.Logger) *HostTransport {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	t := &HostTransport{
		port:         port,
		log:          log.WithName("link"),
		seq:          MessageDest,
		dec:          newDecoder(),
		input:        NewFifoBuffer(4 * MessageLengthMax),
		ackChan:      make(chan uint8, 1),
		responseChan: make(chan *Message, 16),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends one command and waits for its acknowledgement.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	var payload scratchBuf
	EncodeVLQUint(&payload, uint32(cmdID))
	if args != nil {
		args(&payload)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	seq := uint8(atomic.LoadUint32(&t.seq))
	msg, err := EncodeBlock(seq, payload)
	if err != nil {
		return errors.Wrapf(err, "command %d", cmdID)
	}
	// drop an acknowledgement left over from a timed-out command
	select {
	case <-t.ackChan:
	default:
	}
	if err := t.write(msg); err != nil {
		return errors.Wrapf(err, "command %d", cmdID)
	}
	return errors.Wrapf(t.waitForAck(seq, timeout), "command %d", cmdID)
}

func (t *HostTransport) write(msg []byte) error {
	n, err := t.port.Write(msg)
	if err != nil {
		return errors.Wrap(err, "write")
	}
	if n != len(msg) {
		return errors.Errorf("short write: %d of %d bytes", n, len(msg))
	}
	return nil
}

func (t *HostTransport) waitForAck(seq uint8, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case got := <-t.ackChan:
		atomic.StoreUint32(&t.seq, uint32(got))
		if got != nextSeq(seq) {
			return errors.Errorf("nak: sent 0x%02x, peer expects 0x%02x", seq, got)
		}
		return nil
	case <-timer.C:
		return errors.Errorf("no acknowledgement after %v", timeout)
	case <-t.stop:
		return ErrClosed
	}
}

// ReceiveResponse returns the next response block not yet taken.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-t.responseChan:
		return m, nil
	case <-timer.C:
		return nil, errors.Errorf("no response after %v", timeout)
	case <-t.stop:
		return nil, ErrClosed
	}
}

// SetResponseHandler installs the asynchronous response handler.
func (t *HostTransport) SetResponseHandler(h ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err == nil {
			continue
		}
		select {
		case <-t.stop:
			return
		default:
		}
		switch {
		case err == io.EOF:
			// serial read timeouts surface as EOF
			time.Sleep(time.Millisecond)
		case errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
			t.log.V(1).Info("port closed")
			return
		default:
			t.log.Error(err, "read")
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) feed(data []byte) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	for len(data) > 0 {
		k := t.input.Write(data)
		data = data[k:]
		t.parse()
		if k == 0 {
			// a full buffer with no block in it is garbage
			t.input.Reset()
		}
	}
}

func (t *HostTransport) parse() {
	buf := t.input.Data()
	total := 0
	for {
		blk, used, ok := t.dec.next(buf[total:])
		total += used
		if !ok {
			break
		}
		t.dispatch(blk)
	}
	t.input.Pop(total)
}

func (t *HostTransport) dispatch(blk Block) {
	if blk.IsAck() {
		select {
		case t.ackChan <- blk.Seq:
		default:
			t.log.V(1).Info("unexpected acknowledgement", "seq", blk.Seq)
		}
		return
	}
	payload := append([]byte(nil), blk.Payload...)

	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h != nil {
		data := payload
		for len(data) > 0 {
			id, err := DecodeVLQUint(&data)
			if err != nil {
				t.log.Error(err, "bad response")
				break
			}
			before := len(data)
			if err := h(uint16(id), &data); err != nil {
				t.log.Error(err, "response handler", "id", id)
				break
			}
			if len(data) == before {
				// the handler did not consume its arguments
				break
			}
		}
	}

	m := &Message{Sequence: blk.Seq, Payload: payload}
	select {
	case t.responseChan <- m:
	default:
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- m
	}
}

// Close stops the read goroutine and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.port.Close()
		<-t.done
	})
	return errors.Wrap(err, "close port")
}

// Reset restarts the sequence. The firmware treats the next block as a
// host restart.
func (t *HostTransport) Reset() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	atomic.StoreUint32(&t.seq, MessageDest)
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}
	t.readMu.Lock()
	t.input.Reset()
	t.dec.synced = true
	t.readMu.Unlock()
}

// Sequence returns the next sequence to be sent.
func (t *HostTransport) Sequence() uint8 {
	return uint8(atomic.LoadUint32(&t.seq))
}

// Errors counts framing errors seen on the read side.
func (t *HostTransport) Errors() uint32 {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	return t.dec.errors
}

// scratchBuf is a growable OutputBuffer for host-side encoding.
type scratchBuf []byte

func (b *scratchBuf) Output(data []byte)       { *b = append(*b, data...) }
func (b *scratchBuf) CurPosition() int         { return len(*b) }
func (b *scratchBuf) Update(pos int, val byte) { (*b)[pos] = val }
func (b *scratchBuf) DataSince(pos int) []byte { return (*b)[pos:] }
