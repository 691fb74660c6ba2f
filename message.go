// Copyright (C) 2021 Anshorei. All Rights Reserved.

package zeroproto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/Anshorei/zeronet-protocol/msgval"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame keys fixed by the peer protocol. Every frame is a top-level map;
// requests carry cmd/req_id/params, responses echo the request id in to.
// A response with an error key resolves the pending call as a failure.
// All other keys of a response are body fields.
const (
	keyCmd         = "cmd"
	keyReqID       = "req_id"
	keyParams      = "params"
	keyTo          = "to"
	keyError       = "error"
	keyStreamBytes = "stream_bytes"

	cmdResponse = "response"
)

// maxTrailerSize bounds the raw trailer a frame may announce, so a
// corrupt stream_bytes field cannot force an arbitrary allocation.
const maxTrailerSize = 64 << 20

// A Frame is one complete message unit on the wire: the structured
// top-level map, plus an optional raw trailer appended outside the
// structured portion. Large payloads travel in the trailer so the
// structured part stays small and parseable without buffering the body.
type Frame struct {
	Msg     *msgval.Map // top-level frame fields
	Trailer []byte      // raw bytes following the structured part, or nil
}

// IsResponse reports whether f carries a correlation echo (a "to" field).
func (f *Frame) IsResponse() bool {
	_, ok := f.Msg.Get(keyTo)
	return ok
}

// IsRequest reports whether f is a request frame.
func (f *Frame) IsRequest() bool { return !f.IsResponse() }

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	if f.Trailer != nil {
		return fmt.Sprintf("Frame(%v +%d trailer bytes)", msgval.MapValue(f.Msg), len(f.Trailer))
	}
	return fmt.Sprintf("Frame(%v)", msgval.MapValue(f.Msg))
}

// A Request is a command sent to the remote peer. Params is typically a
// map; a nil Params encodes as an empty map. Command semantics are the
// caller's concern; the library only defines how parameters travel and
// how the call is correlated.
type Request struct {
	Cmd     string       // command name, e.g. "getFile"
	ID      uint64       // correlation id assigned by the initiating side
	Params  msgval.Value // command parameters
	Trailer []byte       // raw payload following the frame, or nil
}

// Frame converts r to its wire frame.
func (r *Request) Frame() *Frame {
	params := r.Params
	if params.IsNil() {
		params = msgval.MapValue(nil)
	}
	m := msgval.NewMap().
		Set(keyCmd, msgval.String(r.Cmd)).
		Set(keyReqID, msgval.Int(int64(r.ID))).
		Set(keyParams, params)
	return &Frame{Msg: m, Trailer: r.Trailer}
}

// String returns a human-friendly rendering of the request.
func (r *Request) String() string {
	return fmt.Sprintf("Request(cmd=%s, id=%d, params=%v)", r.Cmd, r.ID, r.Params)
}

// A Response resolves a pending call. Exactly one of Body and Error is
// meaningful: a frame carrying an error descriptor resolves the call as
// a failure, never a partial success.
type Response struct {
	To      uint64      // correlation id echoed from the request
	Body    *msgval.Map // response fields, excluding framing keys
	Error   string      // error descriptor, or "" on success
	Trailer []byte      // raw payload following the frame, or nil
}

// Frame converts r to its wire frame. Body fields are flattened into the
// top-level map after the framing keys.
func (r *Response) Frame() *Frame {
	m := msgval.NewMap().
		Set(keyCmd, msgval.String(cmdResponse)).
		Set(keyTo, msgval.Int(int64(r.To)))
	if r.Error != "" {
		m.Set(keyError, msgval.String(r.Error))
	} else {
		for i := range r.Body.Len() {
			key, val := r.Body.At(i)
			m.Set(key, val)
		}
	}
	return &Frame{Msg: m, Trailer: r.Trailer}
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	if r.Error != "" {
		return fmt.Sprintf("Response(to=%d, error=%q)", r.To, r.Error)
	}
	return fmt.Sprintf("Response(to=%d, body=%v)", r.To, msgval.MapValue(r.Body))
}

// Err reports the error descriptor of r as an error, or nil on success.
func (r *Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Message: r.Error}
}

// RemoteError is an error descriptor reported by the remote peer inside
// a response frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Message }

// Request parses f as a request. Unknown frame fields are ignored but
// remain available on f; a missing cmd or req_id is a decode failure.
func (f *Frame) Request() (*Request, error) {
	cmdv, ok := f.Msg.Get(keyCmd)
	if !ok {
		return nil, fmt.Errorf("request frame missing %q", keyCmd)
	}
	cmd, ok := cmdv.AsString()
	if !ok {
		return nil, fmt.Errorf("request %q field is %v, not string", keyCmd, cmdv.Kind())
	}
	id, err := frameID(f.Msg, keyReqID)
	if err != nil {
		return nil, err
	}
	params, _ := f.Msg.Get(keyParams)
	return &Request{Cmd: cmd, ID: id, Params: params, Trailer: f.Trailer}, nil
}

// Response parses f as a response. Frame fields other than the framing
// keys are collected into the body in wire order, so unknown fields are
// preserved for forward compatibility.
func (f *Frame) Response() (*Response, error) {
	to, err := frameID(f.Msg, keyTo)
	if err != nil {
		return nil, err
	}
	rsp := &Response{To: to, Body: msgval.NewMap(), Trailer: f.Trailer}
	for i := range f.Msg.Len() {
		key, val := f.Msg.At(i)
		switch key {
		case keyCmd, keyTo, keyStreamBytes:
			// framing keys, not body fields
		case keyError:
			msg, ok := val.AsString()
			if !ok {
				return nil, fmt.Errorf("response %q field is %v, not string", keyError, val.Kind())
			}
			rsp.Error = msg
		default:
			rsp.Body.Set(key, val)
		}
	}
	return rsp, nil
}

func frameID(m *msgval.Map, key string) (uint64, error) {
	v, ok := m.Get(key)
	if !ok {
		return 0, fmt.Errorf("frame missing %q", key)
	}
	id, ok := v.AsInt()
	if !ok {
		return 0, fmt.Errorf("frame %q field is %v, not integer", key, v.Kind())
	}
	if id < 0 {
		return 0, fmt.Errorf("frame %q field is negative (%d)", key, id)
	}
	return uint64(id), nil
}

// WriteFrame writes f to enc in binary format using the given binary
// mode. If f carries a trailer and the structured part does not announce
// it, a stream_bytes field is appended first. The trailer bytes are
// written outside the structured part, through the encoder's writer.
func WriteFrame(enc *msgpack.Encoder, f *Frame, mode BinaryMode) error {
	msg := f.Msg
	if f.Trailer != nil {
		if _, ok := msg.Get(keyStreamBytes); !ok {
			msg = msg.Clone().Set(keyStreamBytes, msgval.Int(int64(len(f.Trailer))))
		}
	}
	if err := encodeValue(enc, msgval.MapValue(msg), mode); err != nil {
		return err
	}
	if len(f.Trailer) != 0 {
		if _, err := enc.Writer().Write(f.Trailer); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads the next frame from dec. The msgpack structure is
// self-terminating, so the structured part is consumed without a length
// prefix; if it announces stream_bytes, that many raw trailer bytes are
// then read from the same stream. The frames of one stream must be read
// through a single decoder so buffering stays aligned.
func ReadFrame(dec *msgpack.Decoder) (*Frame, error) {
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	msg, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("frame is %v, not map", v.Kind())
	}
	f := &Frame{Msg: msg}
	if sv, ok := msg.Get(keyStreamBytes); ok {
		n, ok := sv.AsInt()
		if !ok {
			return nil, fmt.Errorf("frame %q field is %v, not integer", keyStreamBytes, sv.Kind())
		}
		if n < 0 || n > maxTrailerSize {
			return nil, fmt.Errorf("frame trailer size %d out of range", n)
		}
		f.Trailer = make([]byte, n)
		if _, err := io.ReadFull(dec.Buffered(), f.Trailer); err != nil {
			return nil, fmt.Errorf("short frame trailer: %w", err)
		}
	}
	return f, nil
}

// EncodeFrame encodes f as a self-contained byte sequence.
func EncodeFrame(f *Frame, mode BinaryMode) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(msgpack.NewEncoder(&buf), f, mode); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame decodes a single frame from data, including any trailer it
// announces. Trailing bytes after the frame are an error.
func DecodeFrame(data []byte) (*Frame, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	f, err := ReadFrame(msgpack.NewDecoder(br))
	if err != nil {
		return nil, err
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("trailing bytes after frame")
	}
	return f, nil
}
