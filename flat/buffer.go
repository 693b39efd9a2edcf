// Package flat implements the zero-copy flat-buffer wire format of
// spec.md §4.1: a contiguous byte region with fixed-layout structs
// accessed at absolute offsets, and variable-length strings/vectors
// laid out as a {relative_offset u32, count u32} header whose data
// lives later in the same buffer.
//
// The bookkeeping (capacity / committed-size / write-cursor, alignment
// rounding, empty-vector-writes-zero) is adapted from the teacher's PDU
// offset arithmetic in transport/pdu.go (`plength`/`slength`/`rlength`,
// `woff`/`roff` cursors) generalized from a single streamed payload to
// a random-access in-memory buffer with named struct fields.
package flat

import (
	"encoding/binary"
	"errors"
)

// ErrBadInput is returned for any bound, alignment, or size violation —
// translated by callers into nprpc.RpcError{Kind: KindBadInput}.
var ErrBadInput = errors.New("flat: malformed buffer")

// Buffer owns a growable byte region and tracks the three cursors
// spec.md §4.1 names explicitly.
type Buffer struct {
	buf       []byte
	committed int // bytes finalized and safe to read
	cursor    int // next free byte for vector/string payload allocation
}

func NewBuffer(capacityHint int) *Buffer {
	if capacityHint < 64 {
		capacityHint = 64
	}
	return &Buffer{buf: make([]byte, 0, capacityHint)}
}

// WrapForDecode builds a read-only Buffer over an already-framed
// message body (used by the session dispatcher on the receive path).
func WrapForDecode(b []byte) *Buffer {
	return &Buffer{buf: b, committed: len(b), cursor: len(b)}
}

func (b *Buffer) Size() int    { return b.committed }
func (b *Buffer) Cursor() int  { return b.cursor }
func (b *Buffer) Bytes() []byte { return b.buf[:b.committed] }

// Prepare extends the backing slice's length by n bytes, reallocating
// (with capacity for twice the new length) when the current capacity
// is too small, without disturbing already-written bytes.
func (b *Buffer) Prepare(n int) {
	need := len(b.buf) + n
	if need <= cap(b.buf) {
		if need > len(b.buf) {
			b.buf = b.buf[:need]
		}
		return
	}
	grown := make([]byte, need, need*2)
	copy(grown, b.buf)
	b.buf = grown
}

// Commit advances the committed size by n; the caller must already have
// Prepare()'d the space and written into it.
func (b *Buffer) Commit(n int) {
	b.committed += n
	if b.cursor < b.committed {
		b.cursor = b.committed
	}
}

// Consume retracts the committed size by n (used to unwind a failed
// partial write).
func (b *Buffer) Consume(n int) {
	b.committed -= n
	if b.committed < 0 {
		b.committed = 0
	}
}

// ReserveFixed grows the buffer by exactly n bytes at the current
// cursor, commits them, and returns the absolute offset the caller
// should treat as the base of a fixed-layout struct.
func (b *Buffer) ReserveFixed(n int) int {
	off := b.cursor
	b.Prepare(off - len(b.buf) + n)
	b.cursor += n
	if b.cursor > b.committed {
		b.committed = b.cursor
	}
	return off
}

func align(x, a int) int {
	if a <= 1 {
		return x
	}
	return (x + a - 1) / a * a
}

// AllocVector reserves n*elemSize bytes (rounded up to align) at the
// write-cursor and writes the {relative_offset, count} vector header at
// fieldOffset. A zero-length vector writes (0, 0) per spec.md §4.1 and
// reserves no payload space. Returns the absolute offset of element 0.
func (b *Buffer) AllocVector(fieldOffset, n, elemSize, elemAlign int) int {
	if n == 0 {
		binary.LittleEndian.PutUint32(b.buf[fieldOffset:fieldOffset+4], 0)
		binary.LittleEndian.PutUint32(b.buf[fieldOffset+4:fieldOffset+8], 0)
		return fieldOffset
	}
	newCursor := align(b.cursor, elemAlign)
	pad := newCursor - b.cursor
	if pad > 0 {
		b.ReserveFixed(pad)
	}
	dataOff := b.ReserveFixed(n * elemSize)
	rel := uint32(dataOff - fieldOffset)
	binary.LittleEndian.PutUint32(b.buf[fieldOffset:fieldOffset+4], rel)
	binary.LittleEndian.PutUint32(b.buf[fieldOffset+4:fieldOffset+8], uint32(n))
	return dataOff
}

// AllocString writes s as a byte vector (align 1) at fieldOffset.
func (b *Buffer) AllocString(fieldOffset int, s string) {
	off := b.AllocVector(fieldOffset, len(s), 1, 1)
	if len(s) > 0 {
		copy(b.buf[off:off+len(s)], s)
	}
}

// ReadVector validates and returns the bounded element span described
// by the vector header at fieldOffset. It never reads past b.committed.
func (b *Buffer) ReadVector(fieldOffset, elemSize, elemAlign int) (data []byte, n int, err error) {
	if fieldOffset < 0 || fieldOffset+8 > b.committed {
		return nil, 0, ErrBadInput
	}
	rel := binary.LittleEndian.Uint32(b.buf[fieldOffset : fieldOffset+4])
	cnt := binary.LittleEndian.Uint32(b.buf[fieldOffset+4 : fieldOffset+8])
	if rel == 0 && cnt == 0 {
		return nil, 0, nil
	}
	if rel == 0 {
		return nil, 0, ErrBadInput
	}
	dataOff := fieldOffset + int(rel)
	if dataOff < 0 || elemAlign > 0 && dataOff%elemAlign != 0 {
		return nil, 0, ErrBadInput
	}
	// overflow-safe: count is u32 and elemSize is small, so their
	// product is taken in int64 before bounding it by the remaining bytes.
	remaining := b.committed - dataOff
	if remaining < 0 {
		return nil, 0, ErrBadInput
	}
	need := int64(cnt) * int64(elemSize)
	if need < 0 || need > int64(remaining) {
		return nil, 0, ErrBadInput
	}
	return b.buf[dataOff : dataOff+int(need)], int(cnt), nil
}

func (b *Buffer) ReadString(fieldOffset int) (string, error) {
	data, n, err := b.ReadVector(fieldOffset, 1, 1)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	return string(data), nil
}

// WriteOptionalScalar writes a one-byte presence flag at fieldOffset
// followed (if present) by value, padded to align.
func (b *Buffer) WriteOptionalScalar(fieldOffset int, present bool, value []byte, valAlign int) {
	if !present {
		b.buf[fieldOffset] = 0
		return
	}
	b.buf[fieldOffset] = 1
	valOff := fieldOffset + align(1, valAlign)
	copy(b.buf[valOff:valOff+len(value)], value)
}

func (b *Buffer) ReadOptionalScalar(fieldOffset, size, valAlign int) (value []byte, present bool, err error) {
	if fieldOffset < 0 || fieldOffset+1 > b.committed {
		return nil, false, ErrBadInput
	}
	if b.buf[fieldOffset] == 0 {
		return nil, false, nil
	}
	valOff := fieldOffset + align(1, valAlign)
	if valOff+size > b.committed {
		return nil, false, ErrBadInput
	}
	return b.buf[valOff : valOff+size], true, nil
}

// WriteOptionalRef writes a relative-offset field whose value 0 means
// absent, for optionals of variable-size types (string/vector/struct).
func (b *Buffer) WriteOptionalRef(fieldOffset int, present bool, size, align_ int) (dataOff int) {
	if !present {
		binary.LittleEndian.PutUint32(b.buf[fieldOffset:fieldOffset+4], 0)
		return -1
	}
	newCursor := align(b.cursor, align_)
	if pad := newCursor - b.cursor; pad > 0 {
		b.ReserveFixed(pad)
	}
	dataOff = b.ReserveFixed(size)
	rel := uint32(dataOff - fieldOffset)
	if rel == 0 {
		rel = 1 // never emit 0 for a present optional; 0 means absent
	}
	binary.LittleEndian.PutUint32(b.buf[fieldOffset:fieldOffset+4], rel)
	return dataOff
}

func (b *Buffer) ReadOptionalRef(fieldOffset int) (dataOff int, present bool, err error) {
	if fieldOffset < 0 || fieldOffset+4 > b.committed {
		return 0, false, ErrBadInput
	}
	rel := binary.LittleEndian.Uint32(b.buf[fieldOffset : fieldOffset+4])
	if rel == 0 {
		return 0, false, nil
	}
	off := fieldOffset + int(rel)
	if off < 0 || off > b.committed {
		return 0, false, ErrBadInput
	}
	return off, true, nil
}

// --- scalar field accessors, little-endian, bounds-checked on read ---

func (b *Buffer) PutU8(off int, v uint8)   { b.buf[off] = v }
func (b *Buffer) PutU16(off int, v uint16) { binary.LittleEndian.PutUint16(b.buf[off:off+2], v) }
func (b *Buffer) PutU32(off int, v uint32) { binary.LittleEndian.PutUint32(b.buf[off:off+4], v) }
func (b *Buffer) PutU64(off int, v uint64) { binary.LittleEndian.PutUint64(b.buf[off:off+8], v) }
func (b *Buffer) PutBool(off int, v bool) {
	if v {
		b.buf[off] = 1
	} else {
		b.buf[off] = 0
	}
}

func (b *Buffer) GetU8(off int) (uint8, error) {
	if off < 0 || off+1 > b.committed {
		return 0, ErrBadInput
	}
	return b.buf[off], nil
}

func (b *Buffer) GetU16(off int) (uint16, error) {
	if off < 0 || off+2 > b.committed {
		return 0, ErrBadInput
	}
	return binary.LittleEndian.Uint16(b.buf[off : off+2]), nil
}

func (b *Buffer) GetU32(off int) (uint32, error) {
	if off < 0 || off+4 > b.committed {
		return 0, ErrBadInput
	}
	return binary.LittleEndian.Uint32(b.buf[off : off+4]), nil
}

func (b *Buffer) GetU64(off int) (uint64, error) {
	if off < 0 || off+8 > b.committed {
		return 0, ErrBadInput
	}
	return binary.LittleEndian.Uint64(b.buf[off : off+8]), nil
}

func (b *Buffer) GetBool(off int) (bool, error) {
	v, err := b.GetU8(off)
	return v != 0, err
}
