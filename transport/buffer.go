package transport

import "encoding/binary"

// buffer is a cursor over a fixed byte slice, used both to parse incoming
// packets and to serialize outgoing ones. It never grows: reads past the end
// return errBufferReadOverflow, writes past capacity return
// errBufferWriteOverflow. Both are recoverable per spec.md §4.1 and never on
// their own close a connection.
type buffer struct {
	data []byte
	pos  int
}

func newBuffer(data []byte) *buffer {
	return &buffer{data: data}
}

// capacity returns the total number of bytes backing the buffer.
func (b *buffer) capacity() int {
	return len(b.data)
}

// tell returns the current cursor position.
func (b *buffer) tell() int {
	return b.pos
}

// remaining returns the number of unread/unwritten bytes left.
func (b *buffer) remaining() int {
	return len(b.data) - b.pos
}

// eof reports whether the cursor has reached the end of the buffer.
func (b *buffer) eof() bool {
	return b.pos >= len(b.data)
}

// seek repositions the cursor. It does not validate pos against capacity;
// callers that seek past the end will fail on the next read/write.
func (b *buffer) seek(pos int) {
	b.pos = pos
}

// bytes returns the bytes written so far (from 0 to the cursor).
func (b *buffer) bytes() []byte {
	return b.data[:b.pos]
}

// slice returns a view of the underlying data between [start, end), without
// moving the cursor.
func (b *buffer) slice(start, end int) []byte {
	return b.data[start:end]
}

func (b *buffer) readUint8() (uint8, error) {
	if b.pos+1 > len(b.data) {
		return 0, errBufferReadOverflow
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *buffer) readUint16() (uint16, error) {
	if b.pos+2 > len(b.data) {
		return 0, errBufferReadOverflow
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

func (b *buffer) readUint32() (uint32, error) {
	if b.pos+4 > len(b.data) {
		return 0, errBufferReadOverflow
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *buffer) readUint64() (uint64, error) {
	if b.pos+8 > len(b.data) {
		return 0, errBufferReadOverflow
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

func (b *buffer) readBytes(n int) ([]byte, error) {
	if n < 0 || b.pos+n > len(b.data) {
		return nil, errBufferReadOverflow
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// readVarint decodes a QUIC variable-length integer (spec.md §4.1): the top
// two bits of the first byte select an encoded length of 1/2/4/8 bytes.
func (b *buffer) readVarint() (uint64, error) {
	if b.pos+1 > len(b.data) {
		return 0, errBufferReadOverflow
	}
	first := b.data[b.pos]
	switch first >> 6 {
	case 0:
		b.pos++
		return uint64(first & 0x3f), nil
	case 1:
		v, err := b.readUint16()
		if err != nil {
			return 0, err
		}
		return uint64(v) & 0x3fff, nil
	case 2:
		v, err := b.readUint32()
		if err != nil {
			return 0, err
		}
		return uint64(v) & 0x3fffffff, nil
	default:
		v, err := b.readUint64()
		if err != nil {
			return 0, err
		}
		return v & 0x3fffffffffffffff, nil
	}
}

func (b *buffer) writeUint8(v uint8) error {
	if b.pos+1 > len(b.data) {
		return errBufferWriteOverflow
	}
	b.data[b.pos] = v
	b.pos++
	return nil
}

func (b *buffer) writeUint16(v uint16) error {
	if b.pos+2 > len(b.data) {
		return errBufferWriteOverflow
	}
	binary.BigEndian.PutUint16(b.data[b.pos:], v)
	b.pos += 2
	return nil
}

func (b *buffer) writeUint32(v uint32) error {
	if b.pos+4 > len(b.data) {
		return errBufferWriteOverflow
	}
	binary.BigEndian.PutUint32(b.data[b.pos:], v)
	b.pos += 4
	return nil
}

func (b *buffer) writeUint64(v uint64) error {
	if b.pos+8 > len(b.data) {
		return errBufferWriteOverflow
	}
	binary.BigEndian.PutUint64(b.data[b.pos:], v)
	b.pos += 8
	return nil
}

func (b *buffer) writeBytes(v []byte) error {
	if b.pos+len(v) > len(b.data) {
		return errBufferWriteOverflow
	}
	copy(b.data[b.pos:], v)
	b.pos += len(v)
	return nil
}

// maxVarint is the largest value representable as a QUIC varint: 2^62 - 1.
const maxVarint = (uint64(1) << 62) - 1

// sizeVarint returns the number of bytes needed to encode v as a QUIC
// varint; it is an error to call this with v > maxVarint.
func sizeVarint(v uint64) int {
	switch {
	case v <= 0x3f:
		return 1
	case v <= 0x3fff:
		return 2
	case v <= 0x3fffffff:
		return 4
	default:
		return 8
	}
}

func (b *buffer) writeVarint(v uint64) error {
	switch {
	case v <= 0x3f:
		return b.writeUint8(uint8(v))
	case v <= 0x3fff:
		return b.writeUint16(uint16(v) | 0x4000)
	case v <= 0x3fffffff:
		return b.writeUint32(uint32(v) | 0x80000000)
	case v <= maxVarint:
		return b.writeUint64(v | 0xc000000000000000)
	default:
		panic("transport: varint value too large")
	}
}

func getVarint(b []byte, v *uint64) int {
	buf := newBuffer(b)
	val, err := buf.readVarint()
	if err != nil {
		return 0
	}
	*v = val
	return buf.tell()
}

func putVarint(b []byte, v uint64) int {
	buf := newBuffer(b)
	if err := buf.writeVarint(v); err != nil {
		return 0
	}
	return buf.tell()
}
