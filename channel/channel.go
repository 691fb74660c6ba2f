// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package channel provides implementations of the zeroproto.Channel
// interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	zeroproto "github.com/Anshorei/zeronet-protocol"
)

// Direct constructs a connected pair of in-memory channels that pass
// frames directly without encoding into binary. Frames sent to A are
// received by B and vice versa.
func Direct() (A, B zeroproto.Channel) {
	a2b := make(chan *zeroproto.Frame)
	b2a := make(chan *zeroproto.Frame)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *zeroproto.Frame
	b2a <-chan *zeroproto.Frame
}

// Send implements a method of the [zeroproto.Channel] interface.
func (d direct) Send(f *zeroproto.Frame) (err error) {
	defer safeClose(&err)
	d.a2b <- f
	return nil
}

// Recv implements a method of the [zeroproto.Channel] interface.
func (d direct) Recv() (*zeroproto.Frame, error) {
	f, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return f, nil
}

// Close implements a method of the [zeroproto.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives frames from r and sends frames
// to wc in the network's binary encoding. Binary values are written in
// the tagged workaround mode until SetBinaryMode switches it, typically
// after a handshake negotiates the peer's encoder capabilities.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(wc)
	return &IOChannel{
		// The decoder consumes the buffered reader directly, so frame
		// trailers read from the same reader stay aligned with it.
		dec:  msgpack.NewDecoder(br),
		w:    bw,
		enc:  msgpack.NewEncoder(bw),
		c:    wc,
		mode: zeroproto.BinaryTagged,
	}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	dec *msgpack.Decoder

	mu   sync.Mutex // guards mode, observed by the sender
	mode zeroproto.BinaryMode

	w   *bufio.Writer
	enc *msgpack.Encoder
	c   io.Closer
}

// SetBinaryMode changes how Binary values are encoded on send.
// It does not affect decoding, which accepts all representations.
func (c *IOChannel) SetBinaryMode(mode zeroproto.BinaryMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Send implements a method of the [zeroproto.Channel] interface.
func (c *IOChannel) Send(f *zeroproto.Frame) error {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if err := zeroproto.WriteFrame(c.enc, f, mode); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [zeroproto.Channel] interface.
func (c *IOChannel) Recv() (*zeroproto.Frame, error) {
	return zeroproto.ReadFrame(c.dec)
}

// Close implements a method of the [zeroproto.Channel] interface.
func (c *IOChannel) Close() error { return c.c.Close() }
