package protocol

// InputBuffer is received data waiting to be parsed.
type InputBuffer interface {
	Data() []byte
	Available() int
	Pop(n int)
}

// OutputBuffer collects encoded blocks. Update patches a byte already
// written, which is how the length field is filled in.
type OutputBuffer interface {
	Output(data []byte)
	CurPosition() int
	Update(pos int, val byte)
	DataSince(pos int) []byte
}

// SliceInputBuffer reads from a fixed slice.
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is a fixed output buffer with no allocation after
// creation. Output past the end is dropped and counted.
type ScratchOutput struct {
	buf     [OutputMax]byte
	pos     int
	dropped int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	s.dropped += len(data) - n
}

func (s *ScratchOutput) CurPosition() int { return s.pos }

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written since the last Reset.
func (s *ScratchOutput) Result() []byte { return s.buf[:s.pos] }

// Free returns the room left.
func (s *ScratchOutput) Free() int { return len(s.buf) - s.pos }

// Dropped returns the number of bytes lost to overflow.
func (s *ScratchOutput) Dropped() int { return s.dropped }

func (s *ScratchOutput) Reset() { s.pos = 0 }

// FifoBuffer is a ring buffer between the USB reader and the parser.
type FifoBuffer struct {
	buf   []byte
	read  int
	count int
	flat  []byte
}

func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write stores as much of data as fits and returns the count stored.
func (f *FifoBuffer) Write(data []byte) int {
	n := 0
	for _, b := range data {
		if f.count == len(f.buf) {
			break
		}
		f.buf[(f.read+f.count)%len(f.buf)] = b
		f.count++
		n++
	}
	return n
}

func (f *FifoBuffer) Read(data []byte) int {
	n := copy(data, f.Data())
	f.Pop(n)
	return n
}

func (f *FifoBuffer) Available() int { return f.count }
func (f *FifoBuffer) Free() int      { return len(f.buf) - f.count }
func (f *FifoBuffer) IsEmpty() bool  { return f.count == 0 }

// Data returns the buffered bytes as one slice. A wrapped ring is copied
// into a scratch slice that is reused between calls.
func (f *FifoBuffer) Data() []byte {
	end := f.read + f.count
	if end <= len(f.buf) {
		return f.buf[f.read:end]
	}
	if cap(f.flat) < f.count {
		f.flat = make([]byte, len(f.buf))
	}
	out := f.flat[:f.count]
	k := copy(out, f.buf[f.read:])
	copy(out[k:], f.buf[:end-len(f.buf)])
	return out
}

func (f *FifoBuffer) Pop(n int) {
	if n > f.count {
		n = f.count
	}
	f.read = (f.read + n) % len(f.buf)
	f.count -= n
	if f.count == 0 {
		f.read = 0
	}
}

func (f *FifoBuffer) Reset() {
	f.read = 0
	f.count = 0
}
