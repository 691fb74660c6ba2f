// Copyright (C) 2021 Anshorei. All Rights Reserved.

package address

import (
	"encoding/binary"
	"io"
)

// A builder is a buffer that accumulates packed address data.
// The zero value is ready for use as an empty builder.
type builder struct {
	buf []byte
}

// put appends the specified bytes to b in order.
func (b *builder) put(vs ...byte) { b.buf = append(b.buf, vs...) }

// uint16 appends v to b in big-endian order.
func (b *builder) uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// bytes reports the current contents of the buffer.
func (b *builder) bytes() []byte { return b.buf }

// A scanner reads packed values from the contents of an address record.
// Incomplete values report [io.ErrUnexpectedEOF].
type scanner struct {
	rest []byte
	off  int
}

func newScanner(data []byte) *scanner { return &scanner{rest: data} }

// len reports the number of remaining unconsumed input bytes.
func (s *scanner) len() int { return len(s.rest) }

// offset reports the offset of the next unconsumed input byte.
func (s *scanner) offset() int { return s.off }

// byte scans a single byte from the head of the input.
func (s *scanner) byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	s.off++
	return out, nil
}

// get returns a copy of exactly n bytes from the head of the input.
func (s *scanner) get(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, s.rest[:n])
	s.rest = s.rest[n:]
	s.off += n
	return out, nil
}

// uint16 parses a big-endian uint16 from the head of the input.
func (s *scanner) uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	out := binary.BigEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	s.off += 2
	return out, nil
}
