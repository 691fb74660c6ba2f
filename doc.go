// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package zeroproto implements the peer protocol of the ZeroNet file
// network.
//
// ZeroNet peers exchange msgpack-encoded frames over a shared reliable
// channel. Every frame is a top-level map: requests carry a command
// name, a correlation id and a parameter value; responses echo the id
// and flatten their body fields into the same map. Large payloads
// travel as a raw trailer following the structured part, announced by
// a stream_bytes field so the receiver never buffers the body to parse
// the frame.
//
// # Connections
//
// The core type defined by this package is the [Conn]. Connections
// concurrently initiate and service calls with a remote peer over a
// [Channel].
//
// To create a new, unstarted connection:
//
//	c := zeroproto.NewConn()
//
// To start the service routine, call the Start method with a channel
// connected to a remote peer:
//
//	c.Start(ch)
//
// The connection runs until [Conn.Stop] is called, the channel is
// closed by the remote peer, or a protocol fatal error occurs. Call
// [Conn.Wait] to wait for the connection to exit and return its status:
//
//	if err := c.Wait(); err != nil {
//	   log.Fatalf("Connection failed: %v", err)
//	}
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive
// frames. A Channel implementation must allow concurrent use by one
// sender and one receiver. The channel package provides implementations
// over in-memory queues and io streams.
//
// # Calls
//
// A call is an exchange between two peers, consisting of a request and
// a corresponding response matched by correlation id. Calls may
// propagate in either direction and interleave freely on the stream.
//
// To define handlers for inbound commands on the connection, use the
// [Conn.Handle] method to register a handler for a command name:
//
//	func pong(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
//	   return templates.PongBody(), nil
//	}
//
//	c.Handle("ping", pong)
//
// To issue a call to the remote peer, use the [Conn.Call] method:
//
//	rsp, err := c.Call(ctx, "ping", msgval.Value{})
//
// Call blocks until the response arrives, ctx ends, or the connection
// closes. If the remote peer reports an error descriptor, Call reports
// an error of concrete type [*CallError] wrapping a [*RemoteError].
//
// # Values
//
// Frame contents are expressed as [msgval.Value] trees rather than
// native Go maps, so key order, the integer/float distinction and the
// binary/text string distinction all survive a decode and re-encode
// round trip. The wire codec works around peers whose encoders cannot
// produce binary msgpack fields; see [BinaryMode].
//
// # Commands
//
// Command semantics are the application's concern. The templates
// package provides typed builders for the standard commands of the
// file network (handshake, getFile, pex, announce and the rest), the
// stream package implements the streamFile content transfer, and the
// address package converts peer addresses between textual and compact
// binary forms.
package zeroproto
