package owire

import (
	"encoding/binary"
	"fmt"
)

// ErrNotEnoughData is returned by Reader methods when the underlying slice
// is exhausted before the requested field could be read. A codec error of
// this kind at a negotiated version is fatal for the connection (spec
// §4.1 "Failure").
var ErrNotEnoughData = fmt.Errorf("owire: not enough data to read field")

// Reader is a cursor over a byte slice used to decode OpenWire primitives.
// It mirrors the teacher's habit of a small, allocation-free binary reader
// (see brokerCxn.readResponse's direct use of binary.BigEndian) generalized
// into a reusable type, since OpenWire commands have many more primitive
// fields per command than a Kafka response header.
type Reader struct {
	Src []byte
	err error
}

func (r *Reader) Complete() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.Src) < n {
		r.fail(ErrNotEnoughData)
		return nil
	}
	b := r.Src[:n]
	r.Src = r.Src[n:]
	return b
}

func (r *Reader) Bool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (r *Reader) Int8() int8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Int16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) Float32() float32 {
	return float32FromBits(uint32(r.Int32()))
}

func (r *Reader) Float64() float64 {
	return float64FromBits(uint64(r.Int64()))
}

// Bytes reads a 32-bit-length-prefixed byte array (the "byte array"
// primitive map value tag).
func (r *Reader) Bytes() []byte {
	n := r.Int32()
	if r.err != nil || n < 0 {
		return nil
	}
	out := r.take(int(n))
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp
}

// ShortString reads a string with a 16-bit length prefix (max 65535 bytes),
// the common form used inside most command fields.
func (r *Reader) ShortString() (string, bool) {
	hasContent := r.Bool()
	if r.err != nil || !hasContent {
		return "", hasContent
	}
	n := r.Uint16()
	b := r.take(int(n))
	s, err := DecodeModifiedUTF8(b)
	if err != nil {
		r.fail(err)
		return "", true
	}
	return s, true
}

// TightString is the Reader counterpart of Writer.TightString: it reads
// content with no presence marker, relying on the caller already knowing
// presence from the tight bitmap.
func (r *Reader) TightString(present bool) string {
	if r.err != nil || !present {
		return ""
	}
	n := r.Uint16()
	b := r.take(int(n))
	s, err := DecodeModifiedUTF8(b)
	if err != nil {
		r.fail(err)
		return ""
	}
	return s
}

// LongString reads a string with a 32-bit length prefix, used for
// primitive-map string values that may exceed 64KB.
func (r *Reader) LongString() (string, bool) {
	hasContent := r.Bool()
	if r.err != nil || !hasContent {
		return "", hasContent
	}
	n := r.Int32()
	b := r.take(int(n))
	s, err := DecodeModifiedUTF8(b)
	if err != nil {
		r.fail(err)
		return "", true
	}
	return s, true
}

// Writer accumulates encoded OpenWire primitives. Like Reader, it favors a
// reusable append-style buffer over per-field allocation, the same
// discipline the teacher's bufPool/AppendRequest path uses to avoid
// allocating per request.
type Writer struct {
	Dst []byte
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Dst = append(w.Dst, 1)
	} else {
		w.Dst = append(w.Dst, 0)
	}
}

func (w *Writer) Int8(v int8)   { w.Dst = append(w.Dst, byte(v)) }
func (w *Writer) Uint8(v uint8) { w.Dst = append(w.Dst, v) }

func (w *Writer) Int16(v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	w.Dst = append(w.Dst, b[:]...)
}

func (w *Writer) Int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.Dst = append(w.Dst, b[:]...)
}

func (w *Writer) Int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.Dst = append(w.Dst, b[:]...)
}

func (w *Writer) Float32(v float32) { w.Int32(int32(float32Bits(v))) }
func (w *Writer) Float64(v float64) { w.Int64(int64(float64Bits(v))) }

func (w *Writer) Bytes(b []byte) {
	if b == nil {
		w.Int32(-1)
		return
	}
	w.Int32(int32(len(b)))
	w.Dst = append(w.Dst, b...)
}

func (w *Writer) ShortString(s string, present bool) {
	w.Bool(present)
	if !present {
		return
	}
	enc := EncodeModifiedUTF8(s)
	if len(enc) > 0xFFFF {
		panic(fmt.Sprintf("owire: string too long for 16-bit length prefix (%d bytes)", len(enc)))
	}
	w.Int16(int16(uint16(len(enc))))
	w.Dst = append(w.Dst, enc...)
}

// TightString writes a string's content with no presence marker byte: the
// caller already recorded "present" in the tight bitmap (spec §4.1). A
// present=false call writes nothing.
func (w *Writer) TightString(s string, present bool) {
	if !present {
		return
	}
	enc := EncodeModifiedUTF8(s)
	if len(enc) > 0xFFFF {
		panic(fmt.Sprintf("owire: string too long for 16-bit length prefix (%d bytes)", len(enc)))
	}
	w.Int16(int16(uint16(len(enc))))
	w.Dst = append(w.Dst, enc...)
}

func (w *Writer) LongString(s string, present bool) {
	w.Bool(present)
	if !present {
		return
	}
	enc := EncodeModifiedUTF8(s)
	w.Int32(int32(len(enc)))
	w.Dst = append(w.Dst, enc...)
}
