// Copyright (C) 2021 Anshorei. All Rights Reserved.

package zeroproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/Anshorei/zeronet-protocol/msgval"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// A BinaryMode selects how Binary values are written to the wire.
//
// The reference network's encoder is known to corrupt the length prefix
// of variable-length binary fields at certain byte-length boundaries when
// they are emitted through the native bin family. BinaryTagged works
// around the defect by emitting Binary values as an explicitly tagged
// extension payload instead; the tag is reversed on decode, so the
// indirection never leaks out of the codec. Do not switch the default to
// BinaryNative without a round-trip test covering the boundary lengths in
// TestBinaryBoundaries; dropping the workaround against a defective
// encoder silently corrupts payloads.
type BinaryMode int

const (
	// BinaryTagged encodes Binary values as a tagged extension payload.
	// This is the default, and the only mode safe against the known
	// length-prefix defect.
	BinaryTagged BinaryMode = iota

	// BinaryNative encodes Binary values using the native bin family.
	// Requires a defect-free peer encoder (handshake use_bin_type).
	BinaryNative

	// BinaryLegacy encodes Binary values as raw (str family) data, for
	// peers predating the bin/str distinction. Such peers cannot tell
	// strings and bytes apart; decode still maps str to String.
	BinaryLegacy
)

func (m BinaryMode) String() string {
	switch m {
	case BinaryTagged:
		return "tagged"
	case BinaryNative:
		return "native"
	case BinaryLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("mode %d", int(m))
	}
}

// binaryExtID tags the workaround representation of Binary values.
const binaryExtID = 0x62

// maxValueDepth bounds container nesting during decode, so a frame
// cannot force unbounded recursion.
const maxValueDepth = 128

var errValueTooDeep = errors.New("value nesting too deep")

// MarshalValue encodes v as a single msgpack value using the given
// binary mode. Encoding is total over well-formed trees; a String value
// that is not valid UTF-8 is an encoding error, never coerced.
func MarshalValue(v msgval.Value, mode BinaryMode) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeValue(enc, v, mode); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes a single msgpack value from data. Trailing
// bytes after the value are an error.
func UnmarshalValue(data []byte) (msgval.Value, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	v, err := decodeValue(msgpack.NewDecoder(br), 0)
	if err != nil {
		return msgval.Nil(), err
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return msgval.Nil(), errors.New("trailing bytes after value")
	}
	return v, nil
}

func encodeValue(enc *msgpack.Encoder, v msgval.Value, mode BinaryMode) error {
	switch v.Kind() {
	case msgval.KindNil:
		return enc.EncodeNil()

	case msgval.KindBool:
		b, _ := v.AsBool()
		return enc.EncodeBool(b)

	case msgval.KindInt:
		n, _ := v.AsInt()
		return enc.EncodeInt(n)

	case msgval.KindFloat:
		f, _ := v.AsFloat()
		return enc.EncodeFloat64(f)

	case msgval.KindString:
		s, _ := v.AsString()
		if !utf8.ValidString(s) {
			return fmt.Errorf("string value is not valid UTF-8")
		}
		return enc.EncodeString(s)

	case msgval.KindBinary:
		bs, _ := v.AsBinary()
		return encodeBinary(enc, bs, mode)

	case msgval.KindArray:
		elts, _ := v.AsArray()
		if err := enc.EncodeArrayLen(len(elts)); err != nil {
			return err
		}
		for _, elt := range elts {
			if err := encodeValue(enc, elt, mode); err != nil {
				return err
			}
		}
		return nil

	case msgval.KindMap:
		m, _ := v.AsMap()
		if err := enc.EncodeMapLen(m.Len()); err != nil {
			return err
		}
		for i := range m.Len() {
			key, elt := m.At(i)
			if !utf8.ValidString(key) {
				return fmt.Errorf("map key %q is not valid UTF-8", key)
			}
			if err := enc.EncodeString(key); err != nil {
				return err
			}
			if err := encodeValue(enc, elt, mode); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("invalid value kind %v", v.Kind())
}

func encodeBinary(enc *msgpack.Encoder, bs []byte, mode BinaryMode) error {
	switch mode {
	case BinaryTagged:
		if err := enc.EncodeExtHeader(binaryExtID, len(bs)); err != nil {
			return err
		}
		_, err := enc.Writer().Write(bs)
		return err
	case BinaryNative:
		return enc.EncodeBytes(bs)
	case BinaryLegacy:
		return enc.EncodeString(string(bs))
	default:
		return fmt.Errorf("invalid binary mode %v", mode)
	}
}

func decodeValue(dec *msgpack.Decoder, depth int) (msgval.Value, error) {
	if depth > maxValueDepth {
		return msgval.Nil(), errValueTooDeep
	}

	code, err := dec.PeekCode()
	if err != nil {
		return msgval.Nil(), err
	}
	switch {
	case code == msgpcode.Nil:
		return msgval.Nil(), dec.DecodeNil()

	case code == msgpcode.True || code == msgpcode.False:
		b, err := dec.DecodeBool()
		return msgval.Bool(b), err

	case code == msgpcode.Uint64:
		// Decoded separately so an out-of-range value is reported rather
		// than wrapped around.
		n, err := dec.DecodeUint64()
		if err != nil {
			return msgval.Nil(), err
		}
		if n > math.MaxInt64 {
			return msgval.Nil(), fmt.Errorf("integer %d overflows int64", n)
		}
		return msgval.Int(int64(n)), nil

	case msgpcode.IsFixedNum(code),
		code >= msgpcode.Uint8 && code <= msgpcode.Uint32,
		code >= msgpcode.Int8 && code <= msgpcode.Int64:
		n, err := dec.DecodeInt64()
		return msgval.Int(n), err

	case code == msgpcode.Float || code == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		return msgval.Float(f), err

	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		return msgval.String(s), err

	case msgpcode.IsBin(code):
		bs, err := dec.DecodeBytes()
		return msgval.Binary(bs), err

	case msgpcode.IsExt(code):
		typ, n, err := dec.DecodeExtHeader()
		if err != nil {
			return msgval.Nil(), err
		}
		if typ != binaryExtID {
			return msgval.Nil(), fmt.Errorf("unsupported extension type %d", typ)
		}
		bs := make([]byte, n)
		if _, err := io.ReadFull(dec.Buffered(), bs); err != nil {
			return msgval.Nil(), fmt.Errorf("short extension payload: %w", err)
		}
		return msgval.Binary(bs), nil

	case msgpcode.IsFixedArray(code), code == msgpcode.Array16, code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return msgval.Nil(), err
		}
		// Cap the preallocation so a corrupt length cannot force an
		// arbitrary allocation before the stream runs dry.
		elts := make([]msgval.Value, 0, min(n, 1024))
		for range n {
			elt, err := decodeValue(dec, depth+1)
			if err != nil {
				return msgval.Nil(), err
			}
			elts = append(elts, elt)
		}
		return msgval.Array(elts...), nil

	case msgpcode.IsFixedMap(code), code == msgpcode.Map16, code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return msgval.Nil(), err
		}
		m := msgval.NewMap()
		for range n {
			key, err := dec.DecodeString()
			if err != nil {
				return msgval.Nil(), fmt.Errorf("invalid map key: %w", err)
			}
			elt, err := decodeValue(dec, depth+1)
			if err != nil {
				return msgval.Nil(), err
			}
			m.Set(key, elt)
		}
		return msgval.MapValue(m), nil
	}
	return msgval.Nil(), fmt.Errorf("unsupported msgpack code 0x%02x", code)
}
