// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package handler provides adapters to the zeroproto.Handler type for
// functions over the typed command structures in the templates package.
//
// Parameters must be a pointer type implementing templates.ParamsDecoder.
// Results must implement templates.BodyEncoder, or be *msgval.Map.
package handler

import (
	"context"
	"fmt"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/msgval"
	"github.com/Anshorei/zeronet-protocol/templates"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or
// nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *zeroproto.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*zeroproto.Request)
	}
	return nil
}

// ParamResultError adapts a function f over typed parameters P and
// typed result R to a zeroproto.Handler. P must be a pointer type whose
// base type B satisfies templates.ParamsDecoder.
func ParamResultError[B any, P interface {
	*B
	templates.ParamsDecoder
}, R any](f func(context.Context, P) (R, error)) zeroproto.Handler {
	return func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		p := P(new(B))
		if err := p.FromParams(req.Params); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamError adapts a function f over typed parameters P that returns
// only an error to a zeroproto.Handler. A nil error produces an empty
// response body.
func ParamError[B any, P interface {
	*B
	templates.ParamsDecoder
}](f func(context.Context, P) error) zeroproto.Handler {
	return func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		p := P(new(B))
		if err := p.FromParams(req.Params); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that ignores its parameters and
// returns a typed result R to a zeroproto.Handler.
func ResultError[R any](f func(context.Context) (R, error)) zeroproto.Handler {
	return func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// marshal converts a handler result to response body fields. The
// concrete type of v must be a *msgval.Map or implement the
// templates.BodyEncoder interface. A nil result yields an empty body.
func marshal(v any) (*msgval.Map, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *msgval.Map:
		return t, nil
	case templates.BodyEncoder:
		return t.Body(), nil
	default:
		return nil, fmt.Errorf("cannot encode result of type %T", v)
	}
}
