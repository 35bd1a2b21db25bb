// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureCompletes(t *testing.T) {
	f := newFuture()
	go f.complete("value", nil)
	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "value" {
		t.Errorf("v = %v", v)
	}
}

func TestFutureFirstResolutionWins(t *testing.T) {
	f := newFuture()
	if !f.complete(1, nil) {
		t.Fatal("first complete refused")
	}
	if f.complete(2, nil) {
		t.Fatal("second complete accepted")
	}
	v, _ := f.Wait(context.Background())
	if v != 1 {
		t.Errorf("v = %v", v)
	}
}

func TestFutureCancel(t *testing.T) {
	f := newFuture()
	cancelled := make(chan struct{})
	f.onCancel = func() { close(cancelled) }

	f.Cancel()
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("cancel hook did not run")
	}

	// A reply arriving after cancellation is discarded.
	if f.complete("late", nil) {
		t.Error("late reply accepted")
	}
}

func TestFutureTimeout(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestFutureContextCancelled(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}
