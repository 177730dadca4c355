package engine

import (
	"context"
	"fmt"

	"pkt.systems/brokerd/internal/resource"
)

type outcomeKind uint8

const (
	outcomeReleased outcomeKind = iota
	outcomeHeld
	outcomeFailed
)

// Outcome is the result of a handler invocation. The zero value is Released.
type Outcome struct {
	kind outcomeKind
	err  error
}

// Released completes the handler and releases the claim.
func Released() Outcome { return Outcome{kind: outcomeReleased} }

// Held completes the handler and keeps the claim. Only relay handlers may
// return it.
func Held() Outcome { return Outcome{kind: outcomeHeld} }

// Failed marks the resource FAILED with err and releases the claim. A nil
// err is reported as Released.
func Failed(err error) Outcome {
	if err == nil {
		return Released()
	}
	return Outcome{kind: outcomeFailed, err: err}
}

// IsHeld reports whether the claim is kept.
func (o Outcome) IsHeld() bool { return o.kind == outcomeHeld }

// Err returns the failure, or nil for Released and Held.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeHeld:
		return "held"
	case outcomeFailed:
		return "failed"
	}
	return "released"
}

// Handler reconciles one claimed resource.
type Handler interface {
	Handle(ctx context.Context, r *resource.Resource) Outcome
}

// HandlerFunc adapts a plain function. A nil error releases the claim; any
// other error fails the resource.
type HandlerFunc func(ctx context.Context, r *resource.Resource) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, r *resource.Resource) Outcome {
	return Failed(f(ctx, r))
}

// RelayHandlerFunc adapts a handler that hands the resource on to a
// successor and may keep the claim until the relay completes.
type RelayHandlerFunc func(ctx context.Context, r *resource.Resource) Outcome

// Handle implements Handler.
func (f RelayHandlerFunc) Handle(ctx context.Context, r *resource.Resource) Outcome {
	return f(ctx, r)
}

func invoke(ctx context.Context, h Handler, r *resource.Resource) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Failed(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return h.Handle(ctx, r)
}
