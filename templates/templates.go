// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package templates provides typed builders for the standard peer
// protocol commands. The builders are a convenience layered on the
// msgval value tree; the value tree is always the wire representation,
// and unknown fields a peer adds to a command survive at the frame
// level even though a template does not surface them.
package templates

import (
	"context"
	"fmt"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/msgval"
)

// A ParamsEncoder converts a typed command to its parameter value tree.
type ParamsEncoder interface {
	Params() msgval.Value
}

// A ParamsDecoder fills a typed command from a parameter value tree.
type ParamsDecoder interface {
	FromParams(msgval.Value) error
}

// A BodyEncoder converts a typed result to response body fields.
type BodyEncoder interface {
	Body() *msgval.Map
}

// A BodyDecoder fills a typed result from response body fields.
type BodyDecoder interface {
	FromBody(*msgval.Map) error
}

// Do issues cmd on c with the given typed parameters and decodes the
// response body into result. A nil result discards the body.
func Do(ctx context.Context, c *zeroproto.Conn, cmd string, params ParamsEncoder, result BodyDecoder) error {
	var pv msgval.Value
	if params != nil {
		pv = params.Params()
	}
	rsp, err := c.Call(ctx, cmd, pv)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return result.FromBody(rsp.Body)
}

func typeError(what string, v msgval.Value) error {
	return fmt.Errorf("%s is %v, not the expected kind", what, v.Kind())
}

// Field accessors shared by the templates. Missing fields decode to the
// zero value; a present field of the wrong kind is an error, never
// coerced.

func getString(m *msgval.Map, key string) (string, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return "", nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("field %q is %v, not string", key, v.Kind())
	}
	return s, nil
}

func getInt(m *msgval.Map, key string) (int64, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return 0, nil
	}
	n, ok := v.AsInt()
	if !ok {
		return 0, fmt.Errorf("field %q is %v, not integer", key, v.Kind())
	}
	return n, nil
}

func getBool(m *msgval.Map, key string) (bool, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return false, nil
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("field %q is %v, not bool", key, v.Kind())
	}
	return b, nil
}

func getBinary(m *msgval.Map, key string) ([]byte, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return nil, nil
	}
	bs, ok := v.AsBinary()
	if !ok {
		return nil, fmt.Errorf("field %q is %v, not binary", key, v.Kind())
	}
	return bs, nil
}

func getStrings(m *msgval.Map, key string) ([]string, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return nil, nil
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("field %q is %v, not array", key, v.Kind())
	}
	out := make([]string, len(arr))
	for i, elt := range arr {
		s, ok := elt.AsString()
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is %v, not string", key, i, elt.Kind())
		}
		out[i] = s
	}
	return out, nil
}

func getBinaries(m *msgval.Map, key string) ([][]byte, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return nil, nil
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("field %q is %v, not array", key, v.Kind())
	}
	out := make([][]byte, len(arr))
	for i, elt := range arr {
		bs, ok := elt.AsBinary()
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is %v, not binary", key, i, elt.Kind())
		}
		out[i] = bs
	}
	return out, nil
}

func getInts(m *msgval.Map, key string) ([]int64, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return nil, nil
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("field %q is %v, not array", key, v.Kind())
	}
	out := make([]int64, len(arr))
	for i, elt := range arr {
		n, ok := elt.AsInt()
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is %v, not integer", key, i, elt.Kind())
		}
		out[i] = n
	}
	return out, nil
}

func binaryArray(items [][]byte) msgval.Value {
	elts := make([]msgval.Value, len(items))
	for i, bs := range items {
		elts[i] = msgval.Binary(bs)
	}
	return msgval.Array(elts...)
}

func stringArray(items []string) msgval.Value {
	elts := make([]msgval.Value, len(items))
	for i, s := range items {
		elts[i] = msgval.String(s)
	}
	return msgval.Array(elts...)
}

func intArray(items []int64) msgval.Value {
	elts := make([]msgval.Value, len(items))
	for i, n := range items {
		elts[i] = msgval.Int(n)
	}
	return msgval.Array(elts...)
}
