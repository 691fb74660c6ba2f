// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package peers provides support code for managing and testing
// connections.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/channel"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *zeroproto.Conn
	B *zeroproto.Conn
}

// Stop shuts down both connections and blocks until both have finished.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers that communicate
// via a direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: zeroproto.NewConn().Start(a2b),
		B: zeroproto.NewConn().Start(b2a),
	}
}

// NewLocalWire creates a pair of connected peers that communicate over
// an in-memory byte stream through the full wire codec, so frames take
// the same encode and decode path they would on a socket.
func NewLocalWire() *Local {
	c1, c2 := net.Pipe()
	return &Local{
		A: zeroproto.NewConn().Start(channel.IO(c1, c1)),
		B: zeroproto.NewConn().Start(channel.IO(c2, c2)),
	}
}

// An Accepter accepts channels from some source of connections.
type Accepter interface {
	Accept(context.Context) (zeroproto.Channel, error)
}

// Loop accepts connections from acc and starts a connection for each one
// in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are stopped. When acc
// closes, the loop waits for running connections to finish before
// returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *zeroproto.Conn) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		pool := sync.Pool{New: func() any { return newConn() }}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			conn := pool.Get().(*zeroproto.Conn).Start(ch)
			defer pool.Put(conn)

			go func() { <-sctx.Done(); conn.Stop() }()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (zeroproto.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing
	// the listener if ctx ends. The ok channel allows the context
	// watcher to clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
