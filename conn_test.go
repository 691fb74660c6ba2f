// Copyright (C) 2021 Anshorei. All Rights Reserved.

package zeroproto_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/channel"
	"github.com/Anshorei/zeronet-protocol/msgval"
	"github.com/Anshorei/zeronet-protocol/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// valueDiff compares msgval values structurally for test reporting.
var valueDiff = cmp.Comparer(func(a, b msgval.Value) bool { return a.Equal(b) })

// echoHandler responds with the request parameters under an "echo" key.
func echoHandler(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
	return msgval.NewMap().Set("echo", req.Params), nil
}

func TestConn(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping connections: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	loc.A.Handle("echo", echoHandler)
	loc.A.Handle("fail", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		return nil, errors.New("request refused")
	})
	loc.A.Handle("panic", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		panic("boom")
	})
	loc.A.Handle("empty", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		return nil, nil
	})

	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		params := msgval.MapValue(msgval.NewMap().Set("text", msgval.String("hello")))
		rsp, err := loc.B.Call(ctx, "echo", params)
		if err != nil {
			t.Fatalf("Call echo: unexpected error: %v", err)
		}
		got, ok := rsp.Body.Get("echo")
		if !ok {
			t.Fatalf("Response body %v is missing the echo field", rsp.Body)
		}
		if diff := cmp.Diff(params, got, valueDiff); diff != "" {
			t.Errorf("Echoed params (-want, +got):\n%s", diff)
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, "empty", msgval.Nil())
		if err != nil {
			t.Fatalf("Call empty: unexpected error: %v", err)
		}
		if n := rsp.Body.Len(); n != 0 {
			t.Errorf("Response body has %d fields, want 0: %v", n, rsp.Body)
		}
	})

	t.Run("HandlerError", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, "fail", msgval.Nil())
		if err == nil {
			t.Fatalf("Call fail: got %v, wanted error", rsp)
		}
		ce, ok := err.(*zeroproto.CallError)
		if !ok {
			t.Fatalf("Call fail: got error %[1]T (%[1]v), want *CallError", err)
		}
		var re *zeroproto.RemoteError
		if !errors.As(ce.Err, &re) {
			t.Fatalf("CallError does not wrap a *RemoteError: %v", ce.Err)
		}
		if re.Message != "request refused" {
			t.Errorf("Remote error message: got %q, want %q", re.Message, "request refused")
		}
		if ce.Response == nil || ce.Response.Error != "request refused" {
			t.Errorf("CallError response: got %v, want error descriptor", ce.Response)
		}
	})

	t.Run("HandlerPanic", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "panic", msgval.Nil())
		var re *zeroproto.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call panic: got error %v, want *RemoteError", err)
		}
		if !strings.Contains(re.Message, "handler panicked") {
			t.Errorf("Remote error message: got %q, want panic report", re.Message)
		}
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "nonesuch", msgval.Nil())
		var re *zeroproto.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call nonesuch: got error %v, want *RemoteError", err)
		}
		if !strings.Contains(re.Message, "unknown request") {
			t.Errorf("Remote error message: got %q, want unknown request", re.Message)
		}
	})

	t.Run("Wildcard", func(t *testing.T) {
		loc.A.Handle("", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
			return msgval.NewMap().Set("cmd", msgval.String(req.Cmd)), nil
		})
		defer loc.A.Handle("", nil)

		rsp, err := loc.B.Call(ctx, "anything", msgval.Nil())
		if err != nil {
			t.Fatalf("Call anything: unexpected error: %v", err)
		}
		if got, _ := rsp.Body.Get("cmd"); !got.Equal(msgval.String("anything")) {
			t.Errorf("Wildcard saw command %v, want %q", got, "anything")
		}
	})

	t.Run("ContextConn", func(t *testing.T) {
		loc.A.Handle("who", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
			if zeroproto.ContextConn(ctx) != loc.A {
				return nil, errors.New("wrong connection in context")
			}
			return nil, nil
		})
		if _, err := loc.B.Call(ctx, "who", msgval.Nil()); err != nil {
			t.Errorf("Call who: unexpected error: %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		loc.A.Handle("ping", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
			return msgval.NewMap().Set("body", msgval.String("Pong!")), nil
		})
		rtt, err := loc.B.Ping(ctx)
		if err != nil {
			t.Fatalf("Ping: unexpected error: %v", err)
		}
		if rtt <= 0 {
			t.Errorf("Ping round-trip time %v, want positive", rtt)
		}
	})

	t.Run("Cancellation", func(t *testing.T) {
		release := make(chan struct{})
		loc.A.Handle("hang", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		defer close(release)

		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(5*time.Millisecond, cancel)
		_, err := loc.B.Call(cctx, "hang", msgval.Nil())
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Call hang: got error %v, want %v", err, context.Canceled)
		}

		// The connection must remain usable for other calls.
		if _, err := loc.B.Call(ctx, "echo", msgval.Nil()); err != nil {
			t.Errorf("Call echo after cancellation: unexpected error: %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		release := make(chan struct{})
		loc.A.Handle("hang", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		defer close(release)

		loc.B.CallTimeout(10 * time.Millisecond)
		defer loc.B.CallTimeout(0)

		_, err := loc.B.Call(ctx, "hang", msgval.Nil())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Call hang: got error %v, want %v", err, context.DeadlineExceeded)
		}
	})
}

func TestConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle("echo", echoHandler)
	loc.B.Handle("echo", echoHandler)

	// Issue calls concurrently in both directions and verify that every
	// response matches its own request, regardless of interleaving.
	const numCalls = 128

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range numCalls {
		caller := loc.A
		if i%2 == 0 {
			caller = loc.B
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			params := msgval.MapValue(msgval.NewMap().Set("n", msgval.Int(int64(i))))
			rsp, err := caller.Call(ctx, "echo", params)
			if err != nil {
				t.Errorf("Call %d: unexpected error: %v", i, err)
				return
			}
			got, _ := rsp.Body.Get("echo")
			if !got.Equal(params) {
				t.Errorf("Call %d: got %v, want %v", i, got, params)
			}
		}()
	}
	wg.Wait()
}

func TestCallsFailWhenConnStops(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	loc.A.Handle("hang", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		started <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	// Every call outstanding at close must complete with an error; none
	// may remain suspended.
	const numCalls = 8

	errs := make(chan error, numCalls)
	for range numCalls {
		go func() {
			_, err := loc.B.Call(context.Background(), "hang", msgval.Nil())
			errs <- err
		}()
	}
	for range numCalls {
		<-started
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	for range numCalls {
		err := <-errs
		if !errors.Is(err, zeroproto.ErrConnClosed) {
			t.Errorf("Call after stop: got error %v, want %v", err, zeroproto.ErrConnClosed)
		}
	}
}

func TestOrphanResponse(t *testing.T) {
	defer leaktest.Check(t)()

	ach, bch := channel.Direct()
	conn := zeroproto.NewConn().Start(ach)
	conn.Handle("echo", echoHandler)
	defer func() {
		bch.Close()
		if err := conn.Wait(); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
	}()

	// A response for an id that was never issued must be counted and
	// discarded, not treated as protocol fatal.
	orphan := &zeroproto.Response{To: 99, Body: msgval.NewMap()}
	if err := bch.Send(orphan.Frame()); err != nil {
		t.Fatalf("Send orphan: unexpected error: %v", err)
	}

	// The connection must still service requests afterward.
	req := &zeroproto.Request{Cmd: "echo", ID: 1, Params: msgval.String("hi")}
	if err := bch.Send(req.Frame()); err != nil {
		t.Fatalf("Send request: unexpected error: %v", err)
	}
	f, err := bch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	rsp, err := f.Response()
	if err != nil {
		t.Fatalf("Parse response: unexpected error: %v", err)
	}
	if rsp.To != 1 || rsp.Error != "" {
		t.Errorf("Response: got %v, want success for id 1", rsp)
	}
	if got, _ := rsp.Body.Get("echo"); !got.Equal(msgval.String("hi")) {
		t.Errorf("Echoed params: got %v, want %q", got, "hi")
	}
}

func TestDuplicateRequestID(t *testing.T) {
	defer leaktest.Check(t)()

	ach, bch := channel.Direct()
	conn := zeroproto.NewConn().Start(ach)

	block := make(chan struct{})
	conn.Handle("hang", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		select {
		case <-block:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	defer func() {
		bch.Close()
		conn.Wait()
	}()

	req := &zeroproto.Request{Cmd: "hang", ID: 7, Params: msgval.Nil()}
	if err := bch.Send(req.Frame()); err != nil {
		t.Fatalf("Send request: unexpected error: %v", err)
	}

	// A second request reusing an in-flight id is refused without
	// disturbing the first.
	if err := bch.Send(req.Frame()); err != nil {
		t.Fatalf("Send duplicate: unexpected error: %v", err)
	}
	f, err := bch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	rsp, err := f.Response()
	if err != nil {
		t.Fatalf("Parse response: unexpected error: %v", err)
	}
	if rsp.To != 7 || !strings.Contains(rsp.Error, "duplicate request id") {
		t.Errorf("Response: got %v, want duplicate id error", rsp)
	}

	close(block)
	f, err = bch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if rsp, err := f.Response(); err != nil || rsp.Error != "" {
		t.Errorf("First request response: got %v, %v; want success", rsp, err)
	}
}

func TestNoResponse(t *testing.T) {
	defer leaktest.Check(t)()

	ach, bch := channel.Direct()
	conn := zeroproto.NewConn().Start(ach)
	conn.Handle("notify", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		return nil, zeroproto.ErrNoResponse
	})
	conn.Handle("echo", echoHandler)
	defer func() {
		bch.Close()
		conn.Wait()
	}()

	// A fire-and-forget command produces no response frame. Verify by
	// sending one followed by an echo, and observing only the echo reply.
	notify := &zeroproto.Request{Cmd: "notify", ID: 1, Params: msgval.Nil()}
	if err := bch.Send(notify.Frame()); err != nil {
		t.Fatalf("Send notify: unexpected error: %v", err)
	}
	echo := &zeroproto.Request{Cmd: "echo", ID: 2, Params: msgval.Nil()}
	if err := bch.Send(echo.Frame()); err != nil {
		t.Fatalf("Send echo: unexpected error: %v", err)
	}

	f, err := bch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	rsp, err := f.Response()
	if err != nil {
		t.Fatalf("Parse response: unexpected error: %v", err)
	}
	if rsp.To != 2 {
		t.Errorf("Response to id %d, want 2 (notify must not respond)", rsp.To)
	}
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	ach, bch := channel.Direct()
	conn := zeroproto.NewConn().Start(ach)

	var exitErr error
	exited := make(chan struct{})
	conn.OnExit(func(err error) { exitErr = err; close(exited) })

	// A frame that parses as neither request nor response desynchronizes
	// the stream and must kill the connection.
	bad := &zeroproto.Frame{Msg: msgval.NewMap().Set("bogus", msgval.Int(1))}
	if err := bch.Send(bad); err != nil {
		t.Fatalf("Send bad frame: unexpected error: %v", err)
	}

	<-exited
	if exitErr == nil {
		t.Error("OnExit reported nil, want a protocol error")
	}
	if err := conn.Wait(); err == nil {
		t.Error("Wait: got nil, want a protocol error")
	}
	if got := conn.State(); got != zeroproto.Closed {
		t.Errorf("State: got %v, want %v", got, zeroproto.Closed)
	}
}

func TestStateLifecycle(t *testing.T) {
	defer leaktest.Check(t)()

	conn := zeroproto.NewConn()
	if got := conn.State(); got != zeroproto.Connecting {
		t.Errorf("State before start: got %v, want %v", got, zeroproto.Connecting)
	}
	if err := conn.Wait(); err != nil {
		t.Errorf("Wait before start: unexpected error: %v", err)
	}

	ach, bch := channel.Direct()
	go func() {
		// Hang up when the other side closes, as a remote peer would.
		for {
			if _, err := bch.Recv(); err != nil {
				bch.Close()
				return
			}
		}
	}()
	conn.Start(ach)
	if got := conn.State(); got != zeroproto.Open {
		t.Errorf("State after start: got %v, want %v", got, zeroproto.Open)
	}
	if conn.LastActive().IsZero() {
		t.Error("LastActive is zero after start")
	}
	if err := conn.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if got := conn.State(); got != zeroproto.Closed {
		t.Errorf("State after stop: got %v, want %v", got, zeroproto.Closed)
	}
}

func TestRestart(t *testing.T) {
	defer leaktest.Check(t)()

	conn := zeroproto.NewConn()
	conn.Handle("echo", echoHandler)

	for range 2 {
		peerCh, connCh := channel.Direct()
		peer := zeroproto.NewConn().Start(peerCh)
		conn.Start(connCh)

		rsp, err := peer.Call(context.Background(), "echo", msgval.String("again"))
		if err != nil {
			t.Fatalf("Call echo: unexpected error: %v", err)
		}
		if got, _ := rsp.Body.Get("echo"); !got.Equal(msgval.String("again")) {
			t.Errorf("Echoed params: got %v, want %q", got, "again")
		}

		if err := peer.Stop(); err != nil {
			t.Errorf("Stop peer: unexpected error: %v", err)
		}
		if err := conn.Wait(); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
	}
}

func TestResponseTrailer(t *testing.T) {
	defer leaktest.Check(t)()

	// Use the wire transport so the trailer passes through the codec.
	loc := peers.NewLocalWire()
	defer loc.Stop()

	payload := []byte("raw content, not part of the structured frame")
	loc.A.Handle("fetch", func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		if !zeroproto.SetResponseTrailer(ctx, payload) {
			return nil, errors.New("context has no response trailer")
		}
		return msgval.NewMap().Set("size", msgval.Int(int64(len(payload)))), nil
	})

	rsp, err := loc.B.Call(context.Background(), "fetch", msgval.Nil())
	if err != nil {
		t.Fatalf("Call fetch: unexpected error: %v", err)
	}
	if string(rsp.Trailer) != string(payload) {
		t.Errorf("Trailer: got %q, want %q", rsp.Trailer, payload)
	}
	if got, _ := rsp.Body.Get("size"); !got.Equal(msgval.Int(int64(len(payload)))) {
		t.Errorf("Body size field: got %v, want %d", got, len(payload))
	}

	if zeroproto.SetResponseTrailer(context.Background(), nil) {
		t.Error("SetResponseTrailer succeeded outside a handler context")
	}
}

func TestFrameLogger(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle("echo", echoHandler)

	var mu sync.Mutex
	var lines []string
	loc.B.LogFrames(func(fi zeroproto.FrameInfo) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fi.String())
	})

	if _, err := loc.B.Call(context.Background(), "echo", msgval.Nil()); err != nil {
		t.Fatalf("Call echo: unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Fatalf("Logged %d frames, want 2: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "send ") {
		t.Errorf("First log line %q, want send", lines[0])
	}
	if !strings.HasPrefix(lines[1], "recv ") {
		t.Errorf("Second log line %q, want recv", lines[1])
	}
}

func TestCallAfterStop(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	if err := loc.Stop(); err != nil {
		t.Fatalf("Stop: unexpected error: %v", err)
	}
	_, err := loc.A.Call(context.Background(), "echo", msgval.Nil())
	if err == nil {
		t.Fatal("Call on stopped connection unexpectedly succeeded")
	}
	var ce *zeroproto.CallError
	if !errors.As(err, &ce) {
		t.Errorf("Call: got error %[1]T (%[1]v), want *CallError", err)
	}
	if !strings.Contains(err.Error(), fmt.Sprint(zeroproto.Closed)) {
		t.Errorf("Call error %q does not name the closed state", err)
	}
}
