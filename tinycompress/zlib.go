// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
// The output is what a host zlib reader expects, without a compressor in
// the firmware image.
package tinycompress

import (
	"hash/adler32"
	"io"
)

// maxStored is the largest payload of one stored block.
const maxStored = 0xFFFF

// Size returns the encoded size of n input bytes.
func Size(n int) int {
	blocks := (n + maxStored - 1) / maxStored
	if blocks == 0 {
		blocks = 1
	}
	return 2 + blocks*5 + n + 4
}

// Append appends the zlib encoding of src to dst.
func Append(dst, src []byte) []byte {
	if need := len(dst) + Size(len(src)); cap(dst) < need {
		grown := make([]byte, len(dst), need)
		copy(grown, dst)
		dst = grown
	}

	dst = append(dst, 0x78, 0x01)
	rest := src
	for {
		n := len(rest)
		if n > maxStored {
			n = maxStored
		}
		var final byte
		if n == len(rest) {
			final = 1
		}
		length := uint16(n)
		dst = append(dst, final,
			byte(length), byte(length>>8),
			byte(^length), byte(^length>>8))
		dst = append(dst, rest[:n]...)
		rest = rest[n:]
		if final == 1 {
			break
		}
	}

	sum := adler32.Checksum(src)
	return append(dst, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

// Writer buffers everything written and emits the stream on Close.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer with room for sizeHint bytes.
func NewWriter(w io.Writer, sizeHint int) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Close writes the stream.
func (w *Writer) Close() error {
	_, err := w.w.Write(Append(nil, w.buf))
	w.buf = w.buf[:0]
	return err
}
