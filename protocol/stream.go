package protocol

import (
	"io"
	"sync"

	"github.com/go-logr/logr"
)

// Stream runs a firmware Transport over a byte stream. It is the plain Go
// counterpart of the USB CDC main loop: a FIFO in front of Receive and a
// ScratchOutput flushed to the writer after every acknowledgement.
type Stream struct {
	rw  io.ReadWriter
	log logr.Logger

	mu  sync.Mutex
	t   *Transport
	in  *FifoBuffer
	out *ScratchOutput
	err error
}

func NewStream(rw io.ReadWriter, handler CommandHandler, log logr.Logger) *Stream {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Stream{
		rw:  rw,
		log: log.WithName("stream"),
		in:  NewFifoBuffer(4 * MessageLengthMax),
		out: NewScratchOutput(),
	}
	s.t = NewTransport(s.out, handler)
	s.t.SetLogger(log)
	s.t.SetFlushCallback(s.flush)
	return s
}

// Transport returns the firmware transport. Sending outside a handler
// must go through Do.
func (s *Stream) Transport() *Transport { return s.t }

// Do runs fn with the transport locked and flushes its output.
func (s *Stream) Do(fn func(t *Transport)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.t)
	s.flush()
	return s.err
}

// flush writes pending output. Called with mu held.
func (s *Stream) flush() {
	data := s.out.Result()
	if len(data) == 0 {
		return
	}
	if _, err := s.rw.Write(data); err != nil && s.err == nil {
		s.err = err
		s.log.Error(err, "write")
	}
	s.out.Reset()
}

// Run reads until the stream fails or ends. A closed stream is not an
// error.
func (s *Stream) Run() error {
	buf := make([]byte, 256)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			s.mu.Lock()
			data := buf[:n]
			for len(data) > 0 {
				k := s.in.Write(data)
				data = data[k:]
				s.t.Receive(s.in)
				if k == 0 {
					s.in.Reset()
				}
			}
			s.flush()
			s.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF || err == io.ErrClosedPipe {
				return nil
			}
			return err
		}
	}
}
