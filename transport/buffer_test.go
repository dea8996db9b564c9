package transport

import (
	"bytes"
	"testing"
)

func TestBufferReadWriteRoundTrip(t *testing.T) {
	b := newBuffer(make([]byte, 32))
	if err := b.writeUint8(1); err != nil {
		t.Fatal(err)
	}
	if err := b.writeUint16(2); err != nil {
		t.Fatal(err)
	}
	if err := b.writeUint32(3); err != nil {
		t.Fatal(err)
	}
	if err := b.writeUint64(4); err != nil {
		t.Fatal(err)
	}
	if err := b.writeBytes([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	n := b.tell()
	b.seek(0)
	if v, err := b.readUint8(); err != nil || v != 1 {
		t.Fatalf("uint8: %v %v", v, err)
	}
	if v, err := b.readUint16(); err != nil || v != 2 {
		t.Fatalf("uint16: %v %v", v, err)
	}
	if v, err := b.readUint32(); err != nil || v != 3 {
		t.Fatalf("uint32: %v %v", v, err)
	}
	if v, err := b.readUint64(); err != nil || v != 4 {
		t.Fatalf("uint64: %v %v", v, err)
	}
	if v, err := b.readBytes(2); err != nil || !bytes.Equal(v, []byte("hi")) {
		t.Fatalf("bytes: %v %v", v, err)
	}
	if b.tell() != n {
		t.Fatalf("tell mismatch: %d != %d", b.tell(), n)
	}
}

func TestBufferReadPastEnd(t *testing.T) {
	b := newBuffer(make([]byte, 1))
	if _, err := b.readUint16(); err != errBufferReadOverflow {
		t.Fatalf("expected read overflow, got %v", err)
	}
}

func TestBufferWritePastCapacity(t *testing.T) {
	b := newBuffer(make([]byte, 1))
	if err := b.writeUint16(1); err != errBufferWriteOverflow {
		t.Fatalf("expected write overflow, got %v", err)
	}
}

// TestVarintRoundTrip exercises property 6 of spec.md §8.
func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 63, 64, 16383, 16384,
		1073741823, 1073741824,
		maxVarint, maxVarint - 1,
	}
	for _, v := range values {
		n := sizeVarint(v)
		b := newBuffer(make([]byte, 8))
		if err := b.writeVarint(v); err != nil {
			t.Fatalf("write %d: %v", v, err)
		}
		if b.tell() != n {
			t.Fatalf("value %d: encoded length %d != sizeVarint %d", v, b.tell(), n)
		}
		b.seek(0)
		got, err := b.readVarint()
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("roundtrip mismatch: wrote %d got %d", v, got)
		}
	}
}

func TestVarintWireExamples(t *testing.T) {
	// 37 encodes as a single byte 0x25 (from the QUIC transport draft).
	b := newBuffer(make([]byte, 8))
	if err := b.writeVarint(37); err != nil {
		t.Fatal(err)
	}
	if b.bytes()[0] != 0x25 {
		t.Fatalf("got %x", b.bytes())
	}
	if n := sizeVarint(37); n != 1 {
		t.Fatalf("sizeVarint(37) = %d", n)
	}
}
