package sim

import (
	"sync"

	"modemlink/core"
)

// RegisterFile is a peer with a byte-addressed register space. It decodes
// each frame with Layout, stores writes and answers reads from memory.
// ShortAddress AND/OR/XOR opcodes are applied to the stored bytes.
type RegisterFile struct {
	Layout core.Layout

	mu       sync.Mutex
	mem      map[uint32]byte
	preamble []byte
}

// NewRegisterFile returns an empty register space for layout.
func NewRegisterFile(layout core.Layout) *RegisterFile {
	return &RegisterFile{Layout: layout, mem: make(map[uint32]byte)}
}

// SetPreamble sets the bytes returned in the header slot of every
// response, e.g. a status word.
func (r *RegisterFile) SetPreamble(b []byte) {
	r.mu.Lock()
	r.preamble = append([]byte(nil), b...)
	r.mu.Unlock()
}

// Poke stores b at addr.
func (r *RegisterFile) Poke(addr uint32, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range b {
		r.mem[addr+uint32(i)] = v
	}
}

// Peek returns n bytes starting at addr.
func (r *RegisterFile) Peek(addr uint32, n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = r.mem[addr+uint32(i)]
	}
	return out
}

func (r *RegisterFile) Respond(tx, rx []byte) {
	hdr := r.Layout.HeaderSize()
	h, err := r.Layout.Decode(tx)
	for i := range rx {
		rx[i] = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(rx, r.preamble)
	if err != nil {
		return
	}
	n := h.Length
	if hdr+n > len(tx) {
		n = len(tx) - hdr
	}
	if h.Direction == core.Read {
		for i := 0; i < n; i++ {
			rx[hdr+i] = r.mem[h.Address+uint32(i)]
		}
		return
	}
	op := uint8(0)
	if _, ok := r.Layout.(core.ShortAddress); ok {
		op = uint8(h.Opcode)
	}
	for i := 0; i < n; i++ {
		a := h.Address + uint32(i)
		v := tx[hdr+i]
		switch op {
		case core.OpAnd:
			r.mem[a] &= v
		case core.OpOr:
			r.mem[a] |= v
		case core.OpXor:
			r.mem[a] ^= v
		default:
			r.mem[a] = v
		}
	}
}
