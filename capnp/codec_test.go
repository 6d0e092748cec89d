package capnp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderStructRoundTrip(t *testing.T) {
	var scratch [256]byte
	b := NewBuilder(scratch[:])

	rp, err := b.Alloc(1)
	require.NoError(t, err)
	st, err := b.Alloc(1 + 2)
	require.NoError(t, err)
	b.WriteStructPtr(rp, st, 1, 2)
	binary.LittleEndian.PutUint16(b.Bytes()[st:], 42)

	msg, err := b.Finalize()
	require.NoError(t, err)

	r, err := NewReader(msg)
	require.NoError(t, err)

	sp, err := r.ReadStructPtr(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sp.DataWords)
	assert.Equal(t, uint16(2), sp.PtrCount)
	assert.Equal(t, uint16(42), r.Uint16(sp.Off, 0))
	assert.Equal(t, sp.Off+8, sp.PtrSection())
}

func TestBuilderTextAndData(t *testing.T) {
	var scratch [256]byte
	b := NewBuilder(scratch[:])

	st, err := b.Alloc(2)
	require.NoError(t, err)
	require.NoError(t, b.WriteText(st, "hello"))
	require.NoError(t, b.WriteData(st+8, []byte{1, 2, 3}))

	msg, err := b.Finalize()
	require.NoError(t, err)
	r, err := NewReader(msg)
	require.NoError(t, err)

	text, err := r.ReadText(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	data, err := r.ReadData(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestNullPointersDecodeEmpty(t *testing.T) {
	var scratch [64]byte
	b := NewBuilder(scratch[:])
	_, err := b.Alloc(2)
	require.NoError(t, err)
	msg, err := b.Finalize()
	require.NoError(t, err)

	r, err := NewReader(msg)
	require.NoError(t, err)

	text, err := r.ReadText(0)
	require.NoError(t, err)
	assert.Empty(t, text)

	data, err := r.ReadData(8)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = r.ReadStructPtr(0)
	assert.ErrorIs(t, err, ErrNullPointer)
}

func TestNegativeWordOffset(t *testing.T) {
	// Hand-craft a segment where the pointer points backwards: the
	// struct body occupies word 0 and the pointer lives in word 1.
	seg := make([]byte, 2*WordSize)
	binary.LittleEndian.PutUint16(seg, 7)
	offWords := int32((0 - WordSize - WordSize) / WordSize) // -2
	lo := uint32(offWords<<2) | 0
	hi := uint32(1) // one data word, no pointers
	binary.LittleEndian.PutUint32(seg[WordSize:], lo)
	binary.LittleEndian.PutUint32(seg[WordSize+4:], hi)

	r := &Reader{seg: seg}
	sp, err := r.ReadStructPtr(WordSize)
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Off)
	assert.Equal(t, uint16(7), r.Uint16(sp.Off, 0))
}

func TestEmptyCompositeList(t *testing.T) {
	var scratch [128]byte
	b := NewBuilder(scratch[:])
	ptr, err := b.Alloc(1)
	require.NoError(t, err)
	_, err = b.BeginCompositeList(ptr, 0, 0, 2)
	require.NoError(t, err)

	msg, err := b.Finalize()
	require.NoError(t, err)
	r, err := NewReader(msg)
	require.NoError(t, err)

	lp, err := r.ReadListPtr(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), lp.Count, "empty composite list is tag word only")

	cl, err := r.ReadCompositeList(0)
	require.NoError(t, err)
	assert.Zero(t, cl.Count)
}

func TestReaderRejectsMultiSegment(t *testing.T) {
	msg := make([]byte, 16)
	binary.LittleEndian.PutUint32(msg, 1) // two segments
	_, err := NewReader(msg)
	assert.Error(t, err)
}

func TestReaderRejectsTruncatedSegment(t *testing.T) {
	msg := make([]byte, 16)
	binary.LittleEndian.PutUint32(msg[4:], 4) // claims 4 words, has 1
	_, err := NewReader(msg)
	assert.Error(t, err)
}

func TestReadStructPtrRejectsListTag(t *testing.T) {
	seg := make([]byte, 2*WordSize)
	binary.LittleEndian.PutUint32(seg, 0|1) // type = list
	binary.LittleEndian.PutUint32(seg[4:], 2)
	r := &Reader{seg: seg}
	_, err := r.ReadStructPtr(0)
	assert.Error(t, err)
}

func TestReadTextRejectsWrongElemSize(t *testing.T) {
	var scratch [64]byte
	b := NewBuilder(scratch[:])
	ptr, err := b.Alloc(1)
	require.NoError(t, err)
	body, err := b.Alloc(1)
	require.NoError(t, err)
	b.WriteListPtr(ptr, body, ElemSizeComposite, 1)

	msg, err := b.Finalize()
	require.NoError(t, err)
	r, err := NewReader(msg)
	require.NoError(t, err)
	_, err = r.ReadText(0)
	assert.Error(t, err)
}

func TestBuilderOverflow(t *testing.T) {
	var scratch [16]byte
	b := NewBuilder(scratch[:])
	_, err := b.Alloc(2)
	require.NoError(t, err)
	_, err = b.Alloc(1)
	assert.ErrorIs(t, err, ErrBufferOverflow)

	_, err = b.Finalize()
	assert.ErrorIs(t, err, ErrBufferOverflow, "a failed builder must not emit a message")
}

func TestOutOfBoundsPointerRejected(t *testing.T) {
	var scratch [64]byte
	b := NewBuilder(scratch[:])
	rp, err := b.Alloc(1)
	require.NoError(t, err)
	// Points 8 words past the end of the segment.
	b.WriteStructPtr(rp, 9*WordSize, 1, 0)

	msg, err := b.Finalize()
	require.NoError(t, err)
	r, err := NewReader(msg)
	require.NoError(t, err)
	_, err = r.ReadStructPtr(0)
	assert.Error(t, err)
}
