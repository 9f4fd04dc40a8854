// Package abort provides the cancellation scope shared by an inbound
// connection and its outbound counterpart.
package abort

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrClientClosed is the cause recorded when the inbound peer went away.
	ErrClientClosed = errors.New("aborted by client")
	// ErrShutdown is the cause recorded when the process is shutting down.
	ErrShutdown = errors.New("server stopped")
	// ErrReleased is the cause used when a finished relay releases its scope.
	ErrReleased = errors.New("relay finished")
)

// Scope is a one-way armed -> fired signal. Scopes form a tree: firing a
// parent fires every scope derived from it.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	fired  atomic.Bool
}

// New returns an armed scope derived from parent. A nil parent means the
// scope only fires when Fire is called.
func New(parent context.Context) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Child returns a scope that fires when s fires.
func (s *Scope) Child() *Scope {
	return New(s.ctx)
}

// Fire fires the scope with cause. Only the first call has an effect; it
// reports whether this call was the one that fired the scope.
func (s *Scope) Fire(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	if s.ctx.Err() != nil || !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.cancel(cause)
	return true
}

// Fired reports whether the scope (or one of its ancestors) has fired.
func (s *Scope) Fired() bool {
	return s.ctx.Err() != nil
}

// Cause returns the error the scope fired with, or nil while armed.
// A scope fired through its parent reports the parent's cause.
func (s *Scope) Cause() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

// Done is closed once the scope fires.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context returns a context that is cancelled when the scope fires.
// Outbound connect/read/write operations bind to it.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// OnFire registers fn to run once, in its own goroutine, when the scope
// fires. The returned detach func unregisters fn and reports whether it
// did so before fn was started.
func (s *Scope) OnFire(fn func(cause error)) (detach func() bool) {
	return context.AfterFunc(s.ctx, func() {
		fn(context.Cause(s.ctx))
	})
}

// Bind fires s with cause when ctx is done, e.g. when the inbound
// request's context is cancelled because the client disconnected.
// The returned func stops the binding.
func (s *Scope) Bind(ctx context.Context, cause error) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		s.Fire(cause)
	})
}

// IsClientAbort reports whether err (usually a scope cause) means the
// inbound peer went away.
func IsClientAbort(err error) bool {
	return errors.Is(err, ErrClientClosed)
}

// IsShutdown reports whether err means the process is shutting down.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}
