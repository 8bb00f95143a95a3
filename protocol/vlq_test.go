package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVLQRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, -32, 95, 96, 127, -127, 300, -1000, 65535, 1000000, -1000000, 1 << 30, -1 << 31} {
		var out scratchBuf
		EncodeVLQInt(&out, v)
		data := []byte(out)
		got, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("%d: %v", v, err)
			continue
		}
		if got != v || len(data) != 0 {
			t.Errorf("%d: decoded %d, %d bytes left (encoded % x)", v, got, len(data), []byte(out))
		}
	}
}

func TestVLQEncoding(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{95, []byte{0x5F}},
		{300, []byte{0x82, 0x2C}},
		{1000000, []byte{0xBD, 0x84, 0x40}},
		{0xFFFFFFFF, []byte{0x7F}},
	}
	for _, tt := range tests {
		var out scratchBuf
		EncodeVLQUint(&out, tt.v)
		if diff := cmp.Diff(tt.want, []byte(out)); diff != "" {
			t.Errorf("%d (-want +got):\n%s", tt.v, diff)
		}
	}
}

func TestVLQTruncated(t *testing.T) {
	data := []byte{0x82}
	if _, err := DecodeVLQUint(&data); err != ErrBufferTooSmall {
		t.Errorf("err = %v", err)
	}
	data = []byte{0x81, 0x81, 0x81, 0x81, 0x81, 0x01}
	if _, err := DecodeVLQUint(&data); err != ErrInvalidVLQ {
		t.Errorf("six-byte value: %v", err)
	}
}

func TestVLQBytesAndArgs(t *testing.T) {
	var out scratchBuf
	EncodeArgs(&out, 3, 300)
	EncodeVLQBytes(&out, []byte{0xDE, 0xAD})
	data := []byte(out)

	var a, b uint32
	if err := DecodeArgs(&data, &a, &b); err != nil {
		t.Fatal(err)
	}
	blob, err := DecodeVLQBytes(&data)
	if err != nil {
		t.Fatal(err)
	}
	if a != 3 || b != 300 {
		t.Errorf("args %d %d", a, b)
	}
	if diff := cmp.Diff([]byte{0xDE, 0xAD}, blob); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}

	short := []byte{0x05, 0x01}
	if _, err := DecodeVLQBytes(&short); err != ErrBufferTooSmall {
		t.Errorf("short bytes: %v", err)
	}
}
