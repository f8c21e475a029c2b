// Package memstream implements the length-prefixed binary stream used
// for in-memory snapshots of the bias state. Primitives are copied
// byte-wise in little-endian order; strings and slices carry a uint64
// length prefix. The stream caps its capacity and reports failure
// through Good rather than per-call errors.
package memstream

import (
	"encoding/binary"
	"errors"
	"math"
)

// MaxLength caps the stream capacity.
const MaxLength = 1 << 36

var (
	errCapacity = errors.New("memstream: capacity exceeded")
	errShort    = errors.New("memstream: read past end of buffer")
)

// Stream is a growable byte buffer with a read cursor. A Stream is
// either written or read; mixing directions is allowed but unusual.
type Stream struct {
	buf []byte
	pos int
	max int
	err error
}

// New returns an empty stream for writing.
func New() *Stream { return &Stream{max: MaxLength} }

// NewReader wraps an existing buffer for reading.
func NewReader(buf []byte) *Stream { return &Stream{buf: buf, max: MaxLength} }

// Good reports whether all operations so far succeeded.
func (s *Stream) Good() bool { return s.err == nil }

// Err returns the first failure, if any.
func (s *Stream) Err() error { return s.err }

// Bytes returns the written buffer.
func (s *Stream) Bytes() []byte { return s.buf }

// Len returns the buffer length.
func (s *Stream) Len() int { return len(s.buf) }

func (s *Stream) grow(n int) []byte {
	if s.err != nil {
		return nil
	}
	if len(s.buf)+n > s.max {
		s.err = errCapacity
		return nil
	}
	off := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return s.buf[off:]
}

func (s *Stream) next(n int) []byte {
	if s.err != nil {
		return nil
	}
	if s.pos+n > len(s.buf) {
		s.err = errShort
		return nil
	}
	b := s.buf[s.pos : s.pos+n]
	s.pos += n
	return b
}

func (s *Stream) WriteUint64(v uint64) {
	if b := s.grow(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (s *Stream) WriteInt64(v int64) { s.WriteUint64(uint64(v)) }

func (s *Stream) WriteFloat64(v float64) { s.WriteUint64(math.Float64bits(v)) }

func (s *Stream) WriteBool(v bool) {
	var x uint64
	if v {
		x = 1
	}
	s.WriteUint64(x)
}

// WriteString writes a uint64 length followed by the raw bytes.
func (s *Stream) WriteString(v string) {
	s.WriteUint64(uint64(len(v)))
	if b := s.grow(len(v)); b != nil {
		copy(b, v)
	}
}

// WriteFloat64s writes a uint64 length followed by the elements.
func (s *Stream) WriteFloat64s(v []float64) {
	s.WriteUint64(uint64(len(v)))
	for _, x := range v {
		s.WriteFloat64(x)
	}
}

// WriteInts writes a uint64 length followed by the elements as int64.
func (s *Stream) WriteInts(v []int) {
	s.WriteUint64(uint64(len(v)))
	for _, x := range v {
		s.WriteInt64(int64(x))
	}
}

func (s *Stream) ReadUint64() uint64 {
	if b := s.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (s *Stream) ReadInt64() int64 { return int64(s.ReadUint64()) }

func (s *Stream) ReadFloat64() float64 { return math.Float64frombits(s.ReadUint64()) }

func (s *Stream) ReadBool() bool { return s.ReadUint64() != 0 }

func (s *Stream) ReadString() string {
	n := s.ReadUint64()
	if s.err != nil || n > uint64(len(s.buf)-s.pos) {
		if s.err == nil {
			s.err = errShort
		}
		return ""
	}
	b := s.next(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (s *Stream) ReadFloat64s() []float64 {
	n := s.ReadUint64()
	if s.err != nil || n > uint64(len(s.buf)-s.pos)/8 {
		if s.err == nil {
			s.err = errShort
		}
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = s.ReadFloat64()
	}
	return out
}

func (s *Stream) ReadInts() []int {
	n := s.ReadUint64()
	if s.err != nil || n > uint64(len(s.buf)-s.pos)/8 {
		if s.err == nil {
			s.err = errShort
		}
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(s.ReadInt64())
	}
	return out
}
