package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSliceInputBuffer(t *testing.T) {
	buf := NewSliceInputBuffer([]byte{1, 2, 3, 4, 5})
	buf.Pop(2)
	if diff := cmp.Diff([]byte{3, 4, 5}, buf.Data()); diff != "" {
		t.Errorf("after Pop (-want +got):\n%s", diff)
	}
	buf.Pop(10)
	if buf.Available() != 0 {
		t.Errorf("available = %d", buf.Available())
	}
}

func TestScratchOutput(t *testing.T) {
	s := NewScratchOutput()
	s.Output([]byte{1, 2, 3})
	s.Output([]byte{4, 5})
	s.Update(0, 99)
	s.Update(9, 1) // past the end, ignored
	if diff := cmp.Diff([]byte{99, 2, 3, 4, 5}, s.Result()); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{3, 4, 5}, s.DataSince(2)); diff != "" {
		t.Errorf("DataSince (-want +got):\n%s", diff)
	}
	s.Reset()
	if s.CurPosition() != 0 || s.Free() != OutputMax {
		t.Errorf("after Reset: pos %d free %d", s.CurPosition(), s.Free())
	}
}

func TestScratchOutputOverflow(t *testing.T) {
	s := NewScratchOutput()
	s.Output(make([]byte, OutputMax-1))
	s.Output([]byte{1, 2, 3})
	if s.Free() != 0 || s.Dropped() != 2 {
		t.Errorf("free %d dropped %d", s.Free(), s.Dropped())
	}
}

func TestFifoBuffer(t *testing.T) {
	f := NewFifoBuffer(8)
	if !f.IsEmpty() {
		t.Fatal("new FIFO not empty")
	}
	if n := f.Write([]byte{1, 2, 3, 4, 5}); n != 5 {
		t.Fatalf("wrote %d", n)
	}
	out := make([]byte, 3)
	if n := f.Read(out); n != 3 {
		t.Fatalf("read %d", n)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, out); diff != "" {
		t.Errorf("read (-want +got):\n%s", diff)
	}
	if n := f.Write([]byte{6, 7, 8, 9, 10, 11, 12}); n != 6 {
		t.Errorf("wrote %d into 6 free bytes", n)
	}
	if f.Free() != 0 {
		t.Errorf("free = %d", f.Free())
	}
}

func TestFifoBufferWrappedData(t *testing.T) {
	f := NewFifoBuffer(5)
	f.Write([]byte{1, 2, 3, 4})
	f.Pop(3)
	f.Write([]byte{5, 6, 7})
	if diff := cmp.Diff([]byte{4, 5, 6, 7}, f.Data()); diff != "" {
		t.Errorf("wrapped data (-want +got):\n%s", diff)
	}
	f.Pop(4)
	if !f.IsEmpty() {
		t.Error("not empty after popping everything")
	}
}
