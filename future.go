// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"errors"
	"sync"
)

// Future is the completion handle for an asynchronous call. Exactly one of
// a value, an error, cancellation or a timeout resolves it.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	val      any
	err      error
	resolved bool
	onCancel func() // removes the pending entry and emits the Cancel message
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future. The first resolution wins; later ones report
// false so late replies can be dropped.
func (f *Future) complete(v any, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.val = v
	f.err = err
	f.mu.Unlock()
	close(f.done)
	return true
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx expires. A deadline expiry
// maps to ErrTimeout, a context cancellation to ErrCancelled; both also
// cancel the pending call. I/O goroutines must never wait on their own
// futures.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value()
	case <-ctx.Done():
		f.cancel(ctxError(ctx))
		return f.value()
	}
}

// Cancel resolves the future with ErrCancelled without waiting for the peer
// and advises it with a Cancel message. A reply arriving afterwards is
// discarded.
func (f *Future) Cancel() {
	f.cancel(ErrCancelled)
}

func (f *Future) cancel(reason error) {
	if !f.complete(nil, reason) {
		return
	}
	f.mu.Lock()
	onCancel := f.onCancel
	f.mu.Unlock()
	if onCancel != nil {
		onCancel()
	}
}

func (f *Future) value() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
