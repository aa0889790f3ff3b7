// Package wire supports encoding and decoding the field layout used
// inside htcp frame bodies.
//
// A body is a flat sequence of values: fixed-width integers in
// big-endian order, single bytes, and variable-length fields prefixed
// by their length as an unsigned varint. A [Builder] accumulates
// values into a buffer; a [Scanner] consumes them back in the same
// order.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates encoded values. The zero
// value is ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Bool appends a Boolean to b, encoded as a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Byte(value.Cond[byte](ok, 1, 0)) }

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Put appends the specified bytes to b without framing.
func (b *Builder) Put(vs []byte) { b.buf = append(b.buf, vs...) }

// Field appends a length-prefixed field to b. The length is encoded
// as an unsigned varint.
func (b *Builder) Field(vs []byte) {
	b.buf = binary.AppendUvarint(b.buf, uint64(len(vs)))
	b.buf = append(b.buf, vs...)
}

// FieldString appends a length-prefixed string field to b.
func (b *Builder) FieldString(s string) {
	b.buf = binary.AppendUvarint(b.buf, uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder
// retains ownership of the reported slice, and the caller must not
// retain or modify its contents unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// A Scanner reads encoded values from the contents of a frame body.
// The methods of a scanner report [io.ErrUnexpectedEOF] when the
// input does not contain a complete value.
type Scanner struct {
	rest []byte
}

// NewScanner constructs a [Scanner] that consumes data from input.
// The scanner does not modify the contents of input, but retains
// slices into it, so the caller should ensure it is not modified
// while the scanner is in use.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Bool scans a single byte from the head of the input and converts it
// into a Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint16 parses a big-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Field parses a single length-prefixed field from the head of s.
// The reported slice aliases the input, and the caller must not
// modify its contents.
func (s *Scanner) Field() ([]byte, error) {
	nb, n := binary.Uvarint(s.rest)
	if n <= 0 {
		return nil, fmt.Errorf("invalid field length: %w", io.ErrUnexpectedEOF)
	}
	rest := s.rest[n:]
	if uint64(len(rest)) < nb {
		return nil, fmt.Errorf("field truncated (%d < %d bytes): %w", len(rest), nb, io.ErrUnexpectedEOF)
	}
	s.rest = rest[nb:]
	return rest[:nb], nil
}

// FieldString parses a single length-prefixed field from the head of
// s and returns it as a string.
func (s *Scanner) FieldString() (string, error) {
	f, err := s.Field()
	return string(f), err
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns a slice of the remaining unconsumed input of s.  The
// reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }
