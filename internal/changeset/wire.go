package changeset

import (
	"encoding/binary"
	"fmt"
	"math"
)

// builder/reader are the little-endian primitives every Message variant is
// built from. Field order is fixed per variant tag, not self-describing:
// a reader must know what it is decoding, the same discipline the teacher's
// wire types use for row encoding.

type builder struct {
	buf []byte
}

func (b *builder) byte(v byte)     { b.buf = append(b.buf, v) }
func (b *builder) u32(v uint32)    { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *builder) u64(v uint64)    { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }
func (b *builder) bytes(v []byte) {
	b.u32(uint32(len(v)))
	b.buf = append(b.buf, v...)
}
func (b *builder) bytesRaw(v []byte) { b.buf = append(b.buf, v...) }

func float64bits(f float64) uint64  { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }

type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) readByte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("changeset: truncated frame reading byte")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) readU32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("changeset: truncated frame reading u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readU64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("changeset: truncated frame reading u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("changeset: truncated frame reading %d bytes", n)
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }
func (r *reader) exhausted() bool { return r.pos >= len(r.buf) }
