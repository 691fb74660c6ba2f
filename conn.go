// Copyright (C) 2021 Anshorei. All Rights Reserved.

package zeroproto

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"

	"github.com/Anshorei/zeronet-protocol/msgval"
)

// A Channel is a reliable ordered stream of frames shared with a remote
// peer. The transport socket and any TLS negotiation are the caller's
// concern; the connection engine only consumes the framed stream.
//
// The methods of an implementation must be safe for concurrent use by
// one sender and one receiver.
type Channel interface {
	// Send the frame in wire format to the remote peer.
	Send(*Frame) error

	// Receive the next available frame from the channel.
	Recv() (*Frame, error)

	// Close the channel, causing any pending send or receive operations
	// to terminate and report an error. After a channel is closed, all
	// further operations on it must report an error.
	Close() error
}

// A Handler services a request from the remote peer and returns the
// response body. Returning ErrNoResponse suppresses the reply entirely,
// for fire-and-forget commands. Any other error is reported back to the
// remote caller as the response's error descriptor.
type Handler func(context.Context, *Request) (*msgval.Map, error)

// ErrNoResponse may be returned by a Handler to indicate that no
// response frame should be written for the request.
var ErrNoResponse = errors.New("no response")

// ErrConnClosed is reported by calls that were outstanding when the
// connection closed.
var ErrConnClosed = errors.New("connection closed")

// A FrameLogger logs a frame exchanged with the remote peer.
type FrameLogger func(fi FrameInfo)

// A FrameInfo combines a frame with a flag indicating whether the frame
// was sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (fi FrameInfo) String() string {
	return fmt.Sprintf("%s %v", value.Cond(fi.Sent, "send", "recv"), fi.Frame)
}

// A State describes the lifecycle phase of a Conn.
type State int

const (
	Connecting State = iota // constructed, not yet started
	Open                    // serving calls
	Closing                 // close requested or fatal error observed
	Closed                  // stream finished, all pending calls resolved
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A Conn multiplexes concurrent outstanding calls over one ordered frame
// stream and matches asynchronous responses back to their callers.
//
// A zero-valued Conn is ready for use, but must not be copied after any
// method has been called. Call Start with a channel to begin service;
// the connection runs until Stop is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the connection to
// finish and report its status.
//
// Use Call to issue a call to the remote peer and Handle to register
// handlers for inbound requests. Both are safe for concurrent use by
// multiple goroutines.
type Conn struct {
	in  interface{ Recv() (*Frame, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err     error                    // protocol fatal error
	state   State                    // current lifecycle phase
	pending map[uint64]pendingCall   // outbound calls awaiting responses
	nextID  uint64                   // last assigned outbound correlation id
	icall   map[uint64]func()        // inbound request id → cancel func
	hmux    map[string]Handler       // command → handler; "" is the wildcard
	flog    FrameLogger              // what it says on the tin
	base    func() context.Context   // returns a new base context
	timeout time.Duration            // default per-call timeout, 0 for none
	active  time.Time                // time of the last frame in either direction
	onExit  func(error)
}

// NewConn constructs a new unstarted connection.
func NewConn() *Conn { return new(Conn) }

// Start starts the connection on the given channel. The connection runs
// until the channel closes or a protocol fatal error occurs. Start does
// not block; call Wait to wait for the connection to finish.
func (c *Conn) Start(ch Channel) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.in != nil {
		panic("connection is already started")
	}

	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.out.ch = ch
	c.err = nil
	c.state = Open
	c.pending = make(map[uint64]pendingCall)
	c.nextID = 0
	c.icall = make(map[uint64]func())
	c.active = time.Now()
	if c.base == nil {
		c.base = context.Background
	}

	g.Go(func() error {
		for {
			f, err := c.in.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			connMetrics.frameRecv.Add(1)
			c.touch()
			if err := c.dispatchFrame(f); err != nil {
				// Framing is presumed desynchronized after a dispatch
				// failure; there is no safe way to resynchronize a
				// corrupted stream, so the error is protocol fatal.
				c.fail(err)
				return nil
			}
		}
	})

	return c
}

// Metrics returns the metrics map shared by connections. It is safe for
// the caller to add entries to the map while connections are active.
func (c *Conn) Metrics() *expvar.Map { return connMetrics.emap }

// State reports the current lifecycle phase of c.
func (c *Conn) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// LastActive reports the time at which a frame was last sent to or
// received from the remote peer, for keepalive policy at the boundary.
func (c *Conn) LastActive() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.active
}

func (c *Conn) touch() {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.active = time.Now()
}

// Stop closes the channel and terminates the connection. It blocks until
// the connection has finished and returns its status. After Stop
// completes it is safe to restart the connection with a new channel.
func (c *Conn) Stop() error {
	c.μ.Lock()
	if c.state == Open {
		c.state = Closing
	}
	c.μ.Unlock()
	c.closeOut()
	return c.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the connection was running.
func (c *Conn) waitTasks() bool {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the connection with a
// new channel.
//
// If c is not running, or stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol
// failure.
func (c *Conn) Wait() error {
	if !c.waitTasks() {
		return nil // the connection is not running
	}

	// Clean up connection state so it can be garbage collected.
	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()
	c.pending = nil
	c.icall = nil

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Handle registers a handler for the specified command. It is safe to
// call this while the connection is running. Passing a nil Handler
// removes any handler for the command. Handle returns c to permit
// chaining.
//
// As a special case, if cmd == "" the handler is called for any request
// whose command does not have a more specific handler registered.
func (c *Conn) Handle(cmd string, handler Handler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.hmux == nil {
		c.hmux = make(map[string]Handler)
	}
	if handler == nil {
		delete(c.hmux, cmd)
	} else {
		c.hmux[cmd] = handler
	}
	return c
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote peer, in either direction. Passing a nil
// callback disables frame logging. The logger is invoked synchronously
// with dispatch, prior to sending or handling a frame.
func (c *Conn) LogFrames(log FrameLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.flog = log
	return c
}

// OnExit registers a callback to be invoked when the connection
// terminates. The callback is executed synchronously during shutdown,
// with the same error value that would be reported by Wait.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new
// base context for request handlers. If it is not set, a background
// context is used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// CallTimeout sets a default timeout applied to each Call whose context
// carries no deadline of its own. A zero duration removes the default.
// Timeout policy is a configuration concern; the engine hardcodes no
// value.
func (c *Conn) CallTimeout(d time.Duration) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.timeout = d
	return c
}

// Call sends cmd with the given parameters to the remote peer and blocks
// until the matching response arrives, ctx ends, or the connection
// closes. Cancellation is local-only: the pending call is released, but
// the frame already written is not retracted and the peer is not
// notified. An error reported by Call has concrete type *CallError.
func (c *Conn) Call(ctx context.Context, cmd string, params msgval.Value) (_ *Response, err error) {
	connMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callOutErr.Add(1)
		}
	}()

	c.μ.Lock()
	timeout := c.timeout
	c.μ.Unlock()
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id, pc, err := c.sendReq(&Request{Cmd: cmd, Params: params})
	if err != nil {
		return nil, &CallError{Err: err}
	}
	connMetrics.callPending.Add(1)
	defer connMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		// Local cancellation releases the call without touching the
		// connection state machine. A late response for this id is an
		// orphan and will be counted, not delivered.
		c.μ.Lock()
		if c.pending != nil {
			c.releaseIDLocked(id)
		}
		c.μ.Unlock()
		return nil, &CallError{Err: ctx.Err()}

	case rsp, ok := <-pc:
		if !ok {
			// Closed without a response: the connection failed.
			c.waitTasks()
			c.μ.Lock()
			cause := c.err
			c.μ.Unlock()
			if cause == nil || treatErrorAsSuccess(cause) {
				cause = ErrConnClosed
			}
			return nil, &CallError{Err: fmt.Errorf("call terminated: %w", cause)}
		}
		if rsp.Error != "" {
			return nil, &CallError{Err: rsp.Err(), Response: rsp}
		}
		return rsp, nil
	}
}

// Ping issues a keepalive call and reports the round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Call(ctx, "ping", msgval.MapValue(nil)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// fail resolves all pending calls as failed and records the failure.
// Every outstanding call observes its pending channel close; none are
// left permanently suspended.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()

	for _, pc := range c.pending {
		pc.close()
	}
	c.pending = nil

	for _, stop := range c.icall {
		stop()
	}
	c.icall = nil

	c.state = Closed
	c.err = err
	if c.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		c.onExit(err)
	}
}

// sendReq assigns the next correlation id, registers the pending call,
// and writes the request frame. It blocks until the send completes, but
// does not wait for the reply, which is delivered on the returned
// pending channel.
func (c *Conn) sendReq(req *Request) (uint64, pendingCall, error) {
	// Phase 1: check for fatal errors and register the call.
	c.μ.Lock()
	if c.state != Open {
		state := c.state
		c.μ.Unlock()
		return 0, nil, fmt.Errorf("connection is %v", state)
	}
	if err := c.err; err != nil {
		c.μ.Unlock()
		return 0, nil, err
	}
	c.nextID++
	req.ID = c.nextID
	pc := make(pendingCall, 1)
	c.pending[req.ID] = pc
	c.μ.Unlock()

	// Send the request to the remote peer. We MUST NOT hold the state
	// lock while doing this, as that would block the receiver from
	// dispatching frames.
	err := c.sendOut(req.Frame())

	// Phase 2: on a send failure, release only this call and begin
	// closing the connection; the stream's write side is suspect.
	if err != nil {
		c.μ.Lock()
		if c.pending != nil {
			c.releaseIDLocked(req.ID)
		}
		if c.state == Open {
			c.state = Closing
		}
		c.μ.Unlock()
		c.closeOut()
		return 0, nil, err
	}
	c.touch()
	return req.ID, pc, nil
}

// dispatchRequestLocked dispatches an inbound request to its handler.
// A duplicate in-flight request id and an unknown command are reported
// to the remote caller, not treated as protocol fatal.
func (c *Conn) dispatchRequestLocked(req *Request) (err error) {
	connMetrics.callIn.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callInErr.Add(1)
		}
	}()

	if _, ok := c.icall[req.ID]; ok {
		connMetrics.anomaly.Add(1)
		return c.sendOut((&Response{
			To:    req.ID,
			Error: fmt.Sprintf("duplicate request id %d", req.ID),
		}).Frame())
	}

	handler, ok := c.hmux[req.Cmd]
	if !ok {
		const wildcard = ""
		if wc, ok := c.hmux[wildcard]; ok {
			handler = wc
		} else {
			return c.sendOut((&Response{
				To:    req.ID,
				Error: "unknown request: " + req.Cmd,
			}).Frame())
		}
	}

	// Service the request in its own goroutine so slow handlers do not
	// stall frame dispatch.
	hctx := context.WithValue(c.base(), connContextKey{}, c)
	trailer := new(trailerHolder)
	hctx = context.WithValue(hctx, trailerContextKey{}, trailer)
	ctx, cancel := context.WithCancel(hctx)
	c.icall[req.ID] = cancel
	connMetrics.callActive.Add(1)

	c.tasks.Go(func() error {
		defer cancel()
		defer connMetrics.callActive.Add(-1)

		body, err := func() (_ *msgval.Map, err error) {
			// A panic out of the handler becomes an error response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		if errors.Is(err, ErrNoResponse) {
			c.finishInbound(req.ID)
			return nil
		}
		rsp := &Response{To: req.ID}
		if err != nil {
			rsp.Error = err.Error()
		} else {
			rsp.Body = body
			rsp.Trailer = trailer.data
		}
		c.sendRsp(rsp)
		return nil
	})
	return nil
}

func (c *Conn) finishInbound(id uint64) {
	c.μ.Lock()
	delete(c.icall, id)
	c.μ.Unlock()
}

func (c *Conn) sendRsp(rsp *Response) {
	c.μ.Lock()
	delete(c.icall, rsp.To)
	err := c.err
	c.μ.Unlock()

	if err != nil {
		return
	}

	if err := c.sendOut(rsp.Frame()); err != nil {
		c.closeOut()
	}
}

// dispatchFrame routes an inbound frame from the remote peer.
// Any error it reports is protocol fatal.
func (c *Conn) dispatchFrame(f *Frame) error {
	if c.flog != nil {
		c.flog(FrameInfo{Frame: f, Sent: false})
	}

	if f.IsResponse() {
		rsp, err := f.Response()
		if err != nil {
			return fmt.Errorf("invalid response frame: %w", err)
		}
		c.μ.Lock()
		defer c.μ.Unlock()

		pc, ok := c.pending[rsp.To]
		if !ok {
			// A response with no matching pending call: already resolved,
			// already cancelled, or an id we never issued. This is an
			// anomaly, not a protocol failure; the connection stays open.
			connMetrics.anomaly.Add(1)
			return nil
		}
		c.releaseIDLocked(rsp.To)
		pc.deliver(rsp) // does not block
		return nil
	}

	req, err := f.Request()
	if err != nil {
		return fmt.Errorf("invalid request frame: %w", err)
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.dispatchRequestLocked(req)
}

// releaseIDLocked releases the call state for the specified outbound
// correlation id. Ids are unique among currently outstanding calls only;
// once the table drains, numbering restarts and ids may be reused.
func (c *Conn) releaseIDLocked(id uint64) {
	delete(c.pending, id)
	if len(c.pending) == 0 {
		c.nextID = 0
	}
}

func (c *Conn) sendOut(f *Frame) error {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return ErrConnClosed
	}
	connMetrics.frameSent.Add(1)
	if c.flog != nil {
		c.flog(FrameInfo{Frame: f, Sent: true})
	}
	return c.out.ch.Send(f)
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

// A pendingCall is the single-resolution slot a caller awaits. Exactly
// one resolution is ever delivered: the channel has capacity one and is
// closed after delivery, so a second resolution attempt for the same id
// is impossible by construction.
type pendingCall chan *Response

func (p pendingCall) close() {
	if p != nil {
		close(p)
	}
}

func (p pendingCall) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

// CallError is the concrete type of errors reported by the Call method
// of a Conn. If the failure came from an error response, Response holds
// the complete response and Err unwraps to a *RemoteError.
type CallError struct {
	Err      error     // the underlying error
	Response *Response // set if the error came from a response frame
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string { return c.Err.Error() }

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil
// if none is defined. The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

type trailerContextKey struct{}

// trailerHolder collects the raw trailer a handler wants attached to
// its response. It must only be written from the handler's goroutine
// before the handler returns.
type trailerHolder struct{ data []byte }

// SetResponseTrailer attaches data as the raw trailer of the response
// to the request being served in ctx, replacing any earlier trailer.
// The trailer is sent only if the handler returns without error. It
// reports false if ctx does not belong to a handler invocation.
func SetResponseTrailer(ctx context.Context, data []byte) bool {
	h, ok := ctx.Value(trailerContextKey{}).(*trailerHolder)
	if !ok {
		return false
	}
	h.data = data
	return true
}
