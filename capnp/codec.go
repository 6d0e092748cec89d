// Package capnp implements the strict subset of the Cap'n Proto wire
// format used by the tunnel protocol: single-segment messages with
// struct pointers, list pointers (byte and composite), text and data.
//
// Multi-segment messages, capability pointers and far pointers are
// rejected. All multi-byte integers are little-endian.
//
// Wire format reference: https://capnproto.org/encoding.html
package capnp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// WordSize is the Cap'n Proto allocation unit in bytes.
	WordSize = 8

	// Pointer type tags (bits [0..1] of the low word).
	ptrTypeStruct = 0
	ptrTypeList   = 1

	// ElemSizeByte is the list element-size tag for byte lists
	// (text and data).
	ElemSizeByte = 2
	// ElemSizeComposite is the list element-size tag for composite
	// (struct element) lists.
	ElemSizeComposite = 7
)

// ErrNullPointer is returned when a pointer word is all zero. Callers
// that allow null fields should test for it with errors.Is.
var ErrNullPointer = errors.New("capnp: null pointer")

// ErrBufferOverflow is returned when a Builder allocation would exceed
// its scratch buffer.
var ErrBufferOverflow = errors.New("capnp: buffer overflow")

func align8(n int) int {
	return (n + 7) &^ 7
}

// --- Builder ---

// Builder assembles a single-segment message into a caller-provided
// scratch buffer. Allocation failures are reported by Alloc and
// remembered; Finalize refuses to emit a message after any failure.
type Builder struct {
	buf    []byte
	pos    int
	failed bool
}

// NewBuilder wraps buf as builder scratch space. The buffer is zeroed
// so that untouched pointer slots decode as null.
func NewBuilder(buf []byte) *Builder {
	for i := range buf {
		buf[i] = 0
	}
	return &Builder{buf: buf}
}

// Alloc reserves words eight-byte words and returns their byte offset
// within the segment.
func (b *Builder) Alloc(words int) (int, error) {
	aligned := align8(b.pos)
	need := aligned + words*WordSize
	if need > len(b.buf) {
		b.failed = true
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferOverflow, need, len(b.buf))
	}
	b.pos = need
	return aligned, nil
}

// Bytes exposes the raw segment being built. Struct data bytes are
// written directly through this slice at offsets returned by Alloc.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// WriteStructPtr writes a struct pointer at ptrOff pointing to a struct
// at structOff with the given section sizes.
//
// Struct pointer layout (64 bits):
//
//	bits [0..1]   = 0 (struct)
//	bits [2..31]  = signed word offset from the word after the pointer
//	bits [32..47] = data section size in words
//	bits [48..63] = pointer section size in words
func (b *Builder) WriteStructPtr(ptrOff, structOff int, dataWords, ptrCount uint16) {
	offWords := int32((structOff - ptrOff - WordSize) / WordSize)
	lo := uint32(offWords<<2) | ptrTypeStruct
	hi := uint32(dataWords) | uint32(ptrCount)<<16
	binary.LittleEndian.PutUint32(b.buf[ptrOff:], lo)
	binary.LittleEndian.PutUint32(b.buf[ptrOff+4:], hi)
}

// WriteListPtr writes a list pointer at ptrOff pointing to a list body
// at listOff. For composite lists, count carries the total body words
// including the tag word.
func (b *Builder) WriteListPtr(ptrOff, listOff int, elemSize uint8, count uint32) {
	offWords := int32((listOff - ptrOff - WordSize) / WordSize)
	lo := uint32(offWords<<2) | ptrTypeList
	hi := uint32(elemSize) | count<<3
	binary.LittleEndian.PutUint32(b.buf[ptrOff:], lo)
	binary.LittleEndian.PutUint32(b.buf[ptrOff+4:], hi)
}

// WriteText allocates a NUL-terminated byte list for text and points
// ptrOff at it. Empty text leaves the pointer null.
func (b *Builder) WriteText(ptrOff int, text string) error {
	if text == "" {
		return nil
	}
	byteCount := len(text) + 1
	words := (byteCount + 7) / WordSize
	dataOff, err := b.Alloc(words)
	if err != nil {
		return err
	}
	copy(b.buf[dataOff:], text)
	// Trailing NUL is already present from the zeroed buffer; the
	// list count includes it.
	b.WriteListPtr(ptrOff, dataOff, ElemSizeByte, uint32(byteCount))
	return nil
}

// WriteData allocates a byte list for raw data and points ptrOff at
// it. Empty data leaves the pointer null.
func (b *Builder) WriteData(ptrOff int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	words := (len(data) + 7) / WordSize
	dataOff, err := b.Alloc(words)
	if err != nil {
		return err
	}
	copy(b.buf[dataOff:], data)
	b.WriteListPtr(ptrOff, dataOff, ElemSizeByte, uint32(len(data)))
	return nil
}

// BeginCompositeList allocates a composite list body of n elements with
// the given element shape, writes the tag word, and points ptrOff at
// the list. It returns the byte offset of element 0; element i begins
// at elem0 + i*(dataWords+ptrCount)*8.
func (b *Builder) BeginCompositeList(ptrOff, n int, dataWords, ptrCount uint16) (int, error) {
	elemWords := int(dataWords) + int(ptrCount)
	totalWords := 1 + n*elemWords
	listOff, err := b.Alloc(totalWords)
	if err != nil {
		return 0, err
	}
	// The tag word uses struct pointer layout with the offset field
	// carrying the element count.
	tagLo := uint32(n)<<2 | ptrTypeStruct
	tagHi := uint32(dataWords) | uint32(ptrCount)<<16
	binary.LittleEndian.PutUint32(b.buf[listOff:], tagLo)
	binary.LittleEndian.PutUint32(b.buf[listOff+4:], tagHi)
	b.WriteListPtr(ptrOff, listOff, ElemSizeComposite, uint32(totalWords))
	return listOff + WordSize, nil
}

// Finalize emits the framed message: the segment table for a single
// segment followed by the segment body padded to a word boundary.
func (b *Builder) Finalize() ([]byte, error) {
	if b.failed {
		return nil, ErrBufferOverflow
	}
	segWords := align8(b.pos) / WordSize
	out := make([]byte, 2*4+segWords*WordSize)
	binary.LittleEndian.PutUint32(out, 0) // segment count - 1
	binary.LittleEndian.PutUint32(out[4:], uint32(segWords))
	copy(out[8:], b.buf[:b.pos])
	return out, nil
}

// --- Reader ---

// Reader decodes a single-segment message. All reads are bounds-checked
// against the segment; malformed input yields errors, never panics.
type Reader struct {
	seg []byte
}

// NewReader parses the segment table of msg and returns a reader over
// segment 0. Multi-segment messages are rejected.
func NewReader(msg []byte) (*Reader, error) {
	if len(msg) < 8 {
		return nil, fmt.Errorf("capnp: message too short: %d bytes", len(msg))
	}
	if n := binary.LittleEndian.Uint32(msg); n != 0 {
		return nil, fmt.Errorf("capnp: multi-segment messages not supported (%d segments)", n+1)
	}
	segWords := binary.LittleEndian.Uint32(msg[4:])
	segBytes := int(segWords) * WordSize
	if 8+segBytes > len(msg) {
		return nil, fmt.Errorf("capnp: segment overflows message: %d+8 > %d", segBytes, len(msg))
	}
	return &Reader{seg: msg[8 : 8+segBytes]}, nil
}

// Segment exposes the raw segment bytes.
func (r *Reader) Segment() []byte {
	return r.seg
}

// StructPtr describes a decoded struct pointer.
type StructPtr struct {
	Off       int // absolute byte offset of the struct's data section
	DataWords uint16
	PtrCount  uint16
}

// PtrSection returns the byte offset of the struct's pointer section.
func (s StructPtr) PtrSection() int {
	return s.Off + int(s.DataWords)*WordSize
}

// ReadStructPtr decodes the struct pointer at ptrOff. A zero pointer
// word yields ErrNullPointer.
func (r *Reader) ReadStructPtr(ptrOff int) (StructPtr, error) {
	lo, hi, err := r.ptrWord(ptrOff)
	if err != nil {
		return StructPtr{}, err
	}
	if lo&3 != ptrTypeStruct {
		return StructPtr{}, fmt.Errorf("capnp: expected struct pointer at %d, got type %d", ptrOff, lo&3)
	}
	offWords := int32(lo) >> 2
	sp := StructPtr{
		Off:       ptrOff + WordSize + int(offWords)*WordSize,
		DataWords: uint16(hi),
		PtrCount:  uint16(hi >> 16),
	}
	end := sp.Off + (int(sp.DataWords)+int(sp.PtrCount))*WordSize
	if sp.Off < 0 || end > len(r.seg) {
		return StructPtr{}, fmt.Errorf("capnp: struct at %d (%d words) out of bounds", sp.Off, sp.DataWords+sp.PtrCount)
	}
	return sp, nil
}

// ListPtr describes a decoded list pointer before any composite tag
// resolution.
type ListPtr struct {
	Off      int // absolute byte offset of the list body
	ElemSize uint8
	Count    uint32 // element count, or total body words for composite
}

// ReadListPtr decodes the list pointer at ptrOff.
func (r *Reader) ReadListPtr(ptrOff int) (ListPtr, error) {
	lo, hi, err := r.ptrWord(ptrOff)
	if err != nil {
		return ListPtr{}, err
	}
	if lo&3 != ptrTypeList {
		return ListPtr{}, fmt.Errorf("capnp: expected list pointer at %d, got type %d", ptrOff, lo&3)
	}
	offWords := int32(lo) >> 2
	lp := ListPtr{
		Off:      ptrOff + WordSize + int(offWords)*WordSize,
		ElemSize: uint8(hi & 7),
		Count:    hi >> 3,
	}
	if lp.Off < 0 || lp.Off > len(r.seg) {
		return ListPtr{}, fmt.Errorf("capnp: list at %d out of bounds", lp.Off)
	}
	return lp, nil
}

// CompositeList describes a composite list after its tag word has been
// resolved.
type CompositeList struct {
	Count     int // number of elements
	DataWords uint16
	PtrCount  uint16
	elem0     int
}

// Elem returns element i as a struct pointer whose Off is the byte
// offset of the element's data section.
func (c CompositeList) Elem(i int) StructPtr {
	stride := (int(c.DataWords) + int(c.PtrCount)) * WordSize
	return StructPtr{Off: c.elem0 + i*stride, DataWords: c.DataWords, PtrCount: c.PtrCount}
}

// ReadCompositeList decodes the list pointer at ptrOff, requires a
// composite element size, reads the tag word and bounds-checks the
// whole body.
func (r *Reader) ReadCompositeList(ptrOff int) (CompositeList, error) {
	lp, err := r.ReadListPtr(ptrOff)
	if err != nil {
		return CompositeList{}, err
	}
	if lp.ElemSize != ElemSizeComposite {
		return CompositeList{}, fmt.Errorf("capnp: expected composite list, got element size %d", lp.ElemSize)
	}
	if lp.Off+WordSize > len(r.seg) {
		return CompositeList{}, errors.New("capnp: composite tag out of bounds")
	}
	tagLo := binary.LittleEndian.Uint32(r.seg[lp.Off:])
	tagHi := binary.LittleEndian.Uint32(r.seg[lp.Off+4:])
	cl := CompositeList{
		Count:     int(int32(tagLo) >> 2),
		DataWords: uint16(tagHi),
		PtrCount:  uint16(tagHi >> 16),
		elem0:     lp.Off + WordSize,
	}
	stride := (int(cl.DataWords) + int(cl.PtrCount)) * WordSize
	if cl.Count < 0 || cl.elem0+cl.Count*stride > len(r.seg) {
		return CompositeList{}, fmt.Errorf("capnp: composite list body (%d elements) out of bounds", cl.Count)
	}
	return cl, nil
}

// ReadText decodes the text pointer at ptrOff. The returned string
// excludes the trailing NUL. A null pointer decodes as empty text.
func (r *Reader) ReadText(ptrOff int) (string, error) {
	lp, err := r.ReadListPtr(ptrOff)
	if errors.Is(err, ErrNullPointer) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if lp.ElemSize != ElemSizeByte {
		return "", fmt.Errorf("capnp: expected byte list for text, got element size %d", lp.ElemSize)
	}
	if lp.Off+int(lp.Count) > len(r.seg) {
		return "", errors.New("capnp: text out of bounds")
	}
	if lp.Count == 0 {
		return "", nil
	}
	return string(r.seg[lp.Off : lp.Off+int(lp.Count)-1]), nil
}

// ReadData decodes the data pointer at ptrOff. A null pointer decodes
// as nil.
func (r *Reader) ReadData(ptrOff int) ([]byte, error) {
	lp, err := r.ReadListPtr(ptrOff)
	if errors.Is(err, ErrNullPointer) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lp.ElemSize != ElemSizeByte {
		return nil, fmt.Errorf("capnp: expected byte list for data, got element size %d", lp.ElemSize)
	}
	if lp.Off+int(lp.Count) > len(r.seg) {
		return nil, errors.New("capnp: data out of bounds")
	}
	return r.seg[lp.Off : lp.Off+int(lp.Count)], nil
}

// Uint16 reads a little-endian uint16 from a struct's data section.
// Out-of-bounds reads yield zero, matching absent-field semantics.
func (r *Reader) Uint16(structOff, byteOff int) uint16 {
	off := structOff + byteOff
	if off < 0 || off+2 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint16(r.seg[off:])
}

// Uint32 reads a little-endian uint32 from a struct's data section.
func (r *Reader) Uint32(structOff, byteOff int) uint32 {
	off := structOff + byteOff
	if off < 0 || off+4 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.seg[off:])
}

// Uint64 reads a little-endian uint64 from a struct's data section.
func (r *Reader) Uint64(structOff, byteOff int) uint64 {
	off := structOff + byteOff
	if off < 0 || off+8 > len(r.seg) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.seg[off:])
}

// Byte reads a single byte from a struct's data section.
func (r *Reader) Byte(structOff, byteOff int) uint8 {
	off := structOff + byteOff
	if off < 0 || off >= len(r.seg) {
		return 0
	}
	return r.seg[off]
}

// Bit reads a single bit from a struct's data section.
func (r *Reader) Bit(structOff, byteOff, bit int) bool {
	return r.Byte(structOff, byteOff)>>bit&1 == 1
}

func (r *Reader) ptrWord(ptrOff int) (lo, hi uint32, err error) {
	if ptrOff < 0 || ptrOff+WordSize > len(r.seg) {
		return 0, 0, fmt.Errorf("capnp: pointer at %d out of bounds", ptrOff)
	}
	lo = binary.LittleEndian.Uint32(r.seg[ptrOff:])
	hi = binary.LittleEndian.Uint32(r.seg[ptrOff+4:])
	if lo == 0 && hi == 0 {
		return 0, 0, ErrNullPointer
	}
	return lo, hi, nil
}
