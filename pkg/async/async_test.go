package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchRunsEveryItem(t *testing.T) {
	var ran atomic.Int64

	errs := Batch(context.Background(), []int64{1, 2, 3, 4, 5}, 2, "test", time.Second,
		func(ctx context.Context, id int64) error {
			ran.Add(1)
			return nil
		})

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if ran.Load() != 5 {
		t.Errorf("ran %d items, want 5", ran.Load())
	}
}

func TestBatchCollectsErrorsWithoutAborting(t *testing.T) {
	wantErr := errors.New("tenant 3 broke")
	var ran atomic.Int64

	errs := Batch(context.Background(), []int64{1, 2, 3, 4}, 2, "test", time.Second,
		func(ctx context.Context, id int64) error {
			ran.Add(1)
			if id == 3 {
				return wantErr
			}
			return nil
		})

	if ran.Load() != 4 {
		t.Errorf("ran %d items, want all 4 despite the failure", ran.Load())
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
	if errs[0].Item != 3 || !errors.Is(errs[0].Err, wantErr) {
		t.Errorf("error = %+v", errs[0])
	}
}

func TestBatchRecoversPanics(t *testing.T) {
	errs := Batch(context.Background(), []int64{1, 2}, 2, "test", time.Second,
		func(ctx context.Context, id int64) error {
			if id == 2 {
				panic("boom")
			}
			return nil
		})

	if len(errs) != 1 || errs[0].Item != 2 {
		t.Fatalf("errors = %v, want one for item 2", errs)
	}
}

func TestBatchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := Batch(ctx, []int64{1, 2, 3}, 1, "test", time.Second,
		func(ctx context.Context, id int64) error { return nil })

	// With the context already cancelled, every item is reported rather than
	// silently dropped.
	for _, e := range errs {
		if !errors.Is(e.Err, context.Canceled) {
			t.Errorf("item %d: err = %v, want context.Canceled", e.Item, e.Err)
		}
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), time.Second, "panics", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task never ran")
	}
	// Reaching here without the test process dying is the assertion.
}

func TestSafeGoAppliesTimeout(t *testing.T) {
	deadline := make(chan error, 1)

	SafeGo(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline <- ctx.Err()
		return nil
	})

	select {
	case err := <-deadline:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}
