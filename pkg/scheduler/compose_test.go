package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChain_RunsInOrderAndStopsOnError(t *testing.T) {
	var order []int
	errBoom := errors.New("boom")

	err := Chain(context.Background(),
		func(ctx context.Context) error { order = append(order, 1); return nil },
		func(ctx context.Context) error { order = append(order, 2); return errBoom },
		func(ctx context.Context) error { order = append(order, 3); return nil },
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected chain to stop after second step, got %v", order)
	}
}

func TestGroup_RunsConcurrentlyAndCollectsFirstError(t *testing.T) {
	var ran int32
	errBoom := errors.New("boom")

	err := Group(context.Background(),
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return errBoom },
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil },
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if atomic.LoadInt32(&ran) != 3 {
		t.Fatalf("expected all 3 steps to run, got %d", ran)
	}
}

func TestCallback_ReceivesOutcome(t *testing.T) {
	var got error
	Callback(context.Background(), func(err error) { got = err },
		func(ctx context.Context) error { return nil },
	)
	if got != nil {
		t.Fatalf("expected nil outcome, got %v", got)
	}
}
