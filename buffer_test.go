package tempest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.WriteByte(0x42))
	w.WriteUint16(1234)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(0x0102030405060708)
	w.WriteBool(true)
	w.WriteString("tempest")
	w.WriteBytes([]byte{1, 2, 3, 4})

	r := NewReader(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x42), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1234), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	bl, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, bl)

	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "tempest", s)

	raw, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, raw)

	require.Equal(t, 0, r.Remaining())
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.ReadUint32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestWriterGrowsPastInitialCapacity(t *testing.T) {
	w := NewWriter()
	payload := make([]byte, initialBufferSize*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	w.WriteRawBytes(payload)
	require.Equal(t, len(payload), w.Len())
	require.Equal(t, payload, w.Bytes())
}

func TestWriterInsertBytesSplicesInPlace(t *testing.T) {
	w := NewWriter()
	w.WriteString("head")
	w.WriteString("tail")

	marker := []byte{0xAA, 0xBB, 0xCC}
	insertAt := 2
	before := append([]byte(nil), w.Bytes()...)

	w.InsertBytes(insertAt, marker, 0, len(marker))

	got := w.Bytes()
	require.Equal(t, before[:insertAt], got[:insertAt])
	require.Equal(t, marker, got[insertAt:insertAt+len(marker)])
	require.Equal(t, before[insertAt:], got[insertAt+len(marker):])
}

func TestWriterPatchUint32(t *testing.T) {
	w := NewWriter()
	offset := w.Len()
	w.WriteUint32(0)
	w.WriteRawBytes([]byte("padding"))
	w.PatchUint32(offset, 0x11223344)

	r := NewReader(w.Bytes()[offset:])
	v, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x11223344), v)
}

func TestReaderRebind(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, err := r.ReadByte()
	require.NoError(t, err)

	r.Rebind([]byte{9, 9})
	require.Equal(t, 0, r.Pos())
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(9), b)
}
