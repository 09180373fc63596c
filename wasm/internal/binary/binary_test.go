package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderReadByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	r := NewReader(data)

	for i, want := range data {
		if r.Position() != i {
			t.Errorf("position before read %d: got %d, want %d", i, r.Position(), i)
		}
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte %d: %v", i, err)
		}
		if b != want {
			t.Errorf("ReadByte %d: got 0x%02x, want 0x%02x", i, b, want)
		}
	}

	if _, err := r.ReadByte(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderReadBytes(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	got, err := r.ReadBytes(3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("ReadBytes: got %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}
	if _, err := r.ReadBytes(3); err == nil {
		t.Error("expected error reading past end")
	}
	if !bytes.Equal(r.Since(1), []byte{0x02, 0x03}) {
		t.Errorf("Since(1): got %v", r.Since(1))
	}
}

func TestLEB128RoundTrip(t *testing.T) {
	unsigned := []uint32{0, 1, 127, 128, 255, 16384, 624485, 0xFFFFFFFF}
	for _, v := range unsigned {
		w := NewWriter()
		w.WriteU32(v)
		got, err := NewReader(w.Bytes()).ReadU32()
		if err != nil {
			t.Fatalf("ReadU32(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("u32 round trip: got %d, want %d", got, v)
		}
	}

	signed := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 31, -(1 << 31), 1<<63 - 1, -1 << 63}
	for _, v := range signed {
		w := NewWriter()
		w.WriteS64(v)
		got, err := NewReader(w.Bytes()).ReadS64()
		if err != nil {
			t.Fatalf("ReadS64(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("s64 round trip: got %d, want %d", got, v)
		}
	}
}

func TestReadU32Overflow(t *testing.T) {
	r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x1f})
	if _, err := r.ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestReadS32Range(t *testing.T) {
	w := NewWriter()
	w.WriteS64(-5)
	v, err := NewReader(w.Bytes()).ReadS32()
	if err != nil || v != -5 {
		t.Errorf("ReadS32: got %d, %v", v, err)
	}

	w = NewWriter()
	w.WriteS64(1 << 40)
	if _, err := NewReader(w.Bytes()).ReadS32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestReadName(t *testing.T) {
	w := NewWriter()
	w.WriteName("dylink.0")
	w.WriteU32LE(0xdeadbeef)

	r := NewReader(w.Bytes())
	name, err := r.ReadName()
	if err != nil || name != "dylink.0" {
		t.Fatalf("ReadName: %q, %v", name, err)
	}
	v, err := r.ReadU32LE()
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadU32LE: %x, %v", v, err)
	}

	bad := []byte{0x02, 0xff, 0xfe}
	if _, err := NewReader(bad).ReadName(); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{0x00})
	_, _ = r.ReadByte()
	err := r.WrapError("import", io.ErrUnexpectedEOF)

	var pe *ParseError
	if !errors.As(err, &pe) || pe.Position != 1 || pe.Section != "import" {
		t.Fatalf("unexpected error %#v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ParseError should unwrap")
	}
}
