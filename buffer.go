package tempest

import "encoding/binary"

// initialBufferSize is the default backing array size for a freshly
// constructed Writer.
const initialBufferSize = 256

// Writer is a growable little-endian byte cursor (spec.md §4.1, C1).
// It owns its backing array and doubles it on overflow.
type Writer struct {
	buf []byte
	len int
}

// NewWriter creates a Writer with a fresh backing array.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, initialBufferSize)}
}

// NewWriterSize creates a Writer with a backing array of at least
// size bytes, used by callers (the send path) that know roughly how
// large the frame will be and want to avoid early grows.
func NewWriterSize(size int) *Writer {
	if size < initialBufferSize {
		size = initialBufferSize
	}
	return &Writer{buf: make([]byte, size)}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.len }

// Bytes returns the written prefix of the backing array. The slice is
// only valid until the next mutating call on w.
func (w *Writer) Bytes() []byte { return w.buf[:w.len] }

// Reset truncates the writer back to empty, keeping the backing array.
func (w *Writer) Reset() { w.len = 0 }

// Truncate shrinks the writer to n bytes; n must be <= Len().
func (w *Writer) Truncate(n int) {
	if n < 0 || n > w.len {
		panic("tempest: Writer.Truncate out of range")
	}
	w.len = n
}

// grow ensures at least n more bytes are available past len, doubling
// the backing array (at least to the required size) as needed.
func (w *Writer) grow(n int) {
	need := w.len + n
	if need <= len(w.buf) {
		return
	}
	newCap := len(w.buf) * 2
	if newCap < need {
		newCap = need
	}
	nb := make([]byte, newCap)
	copy(nb, w.buf[:w.len])
	w.buf = nb
}

// Pad advances the cursor by n bytes without writing, leaving the
// skipped region as whatever was already in the backing array
// (typically zero for freshly grown memory).
func (w *Writer) Pad(n int) {
	w.grow(n)
	w.len += n
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	w.grow(1)
	w.buf[w.len] = b
	w.len++
	return nil
}

// WriteUint16 writes a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	w.grow(2)
	binary.LittleEndian.PutUint16(w.buf[w.len:], v)
	w.len += 2
}

// WriteUint32 writes a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.grow(4)
	binary.LittleEndian.PutUint32(w.buf[w.len:], v)
	w.len += 4
}

// WriteUint64 writes a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	w.grow(8)
	binary.LittleEndian.PutUint64(w.buf[w.len:], v)
	w.len += 8
}

// WriteBool writes a single byte boolean.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// WriteRawBytes writes b verbatim with no length prefix.
func (w *Writer) WriteRawBytes(b []byte) {
	w.grow(len(b))
	copy(w.buf[w.len:], b)
	w.len += len(b)
}

// WriteBytes writes a uint32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteRawBytes(b)
}

// WriteString writes a uint16-length-prefixed UTF-8 string, matching
// the type-table string encoding in spec.md §4.2.
func (w *Writer) WriteString(s string) {
	w.WriteUint16(uint16(len(s)))
	w.WriteRawBytes([]byte(s))
}

// PatchUint32 overwrites the little-endian uint32 at offset without
// moving the cursor; used to backfill the frame length word once the
// total frame size is known (spec.md §4.2).
func (w *Writer) PatchUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:], v)
}

// InsertBytes shifts the region [offset, Len()) right by n (the
// length of src[srcOffset:srcOffset+n]) and copies src into the gap.
// Used by the frame encoder to splice the type table into its header
// position after the payload has already been written (spec.md
// §4.2).
func (w *Writer) InsertBytes(offset int, src []byte, srcOffset, n int) {
	if offset < 0 || offset > w.len {
		panic("tempest: Writer.InsertBytes offset out of range")
	}
	w.grow(n)
	copy(w.buf[offset+n:w.len+n], w.buf[offset:w.len])
	copy(w.buf[offset:offset+n], src[srcOffset:srcOffset+n])
	w.len += n
}

// Reader is a borrowed-slice little-endian byte cursor. Every
// primitive read fails with ErrShortBuffer if fewer bytes remain than
// required (spec.md §4.1).
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for reading; buf is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Pos returns the current read offset.
func (r *Reader) Pos() int { return r.pos }

// Seek repositions the cursor to an absolute offset within buf.
func (r *Reader) Seek(pos int) {
	if pos < 0 || pos > len(r.buf) {
		panic("tempest: Reader.Seek out of range")
	}
	r.pos = pos
}

// Rebind replaces the underlying slice and resets the cursor to 0.
func (r *Reader) Rebind(buf []byte) {
	r.buf = buf
	r.pos = 0
}

func (r *Reader) require(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadBool reads a single byte boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadRawBytes reads exactly n bytes with no length prefix. The
// returned slice aliases the reader's backing array.
func (r *Reader) ReadRawBytes(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytes reads a uint32-length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return r.ReadRawBytes(int(n))
}

// ReadString reads a uint16-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadRawBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
