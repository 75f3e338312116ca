package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorker_StartStop(t *testing.T) {
	var ticks int32
	w := NewWorker(WorkerConfig{
		Name:     "test",
		Interval: time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&ticks, 1)
			return nil
		},
	})

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if atomic.LoadInt32(&ticks) == 0 {
		t.Error("expected at least one tick before Stop()")
	}
	if w.IsRunning() {
		t.Error("expected worker to not be running after Stop()")
	}
}

func TestWorker_StartTwiceFails(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "dup", Interval: time.Second, Fn: func(ctx context.Context) error { return nil }})
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err == nil {
		t.Error("expected second Start() to fail while already running")
	}
}

func TestWorker_OnError(t *testing.T) {
	errCh := make(chan error, 1)
	w := NewWorker(WorkerConfig{
		Name:     "erroring",
		Interval: time.Millisecond,
		Fn:       func(ctx context.Context) error { return errors.New("boom") },
		OnError:  func(name string, err error) { errCh <- err },
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	select {
	case err := <-errCh:
		if err.Error() != "boom" {
			t.Errorf("OnError received %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnError callback")
	}
}

func TestWorkerGroup_StartStop(t *testing.T) {
	g := NewWorkerGroup()
	var a, b int32

	g.AddFunc("a", time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&a, 1)
		return nil
	})
	g.AddFunc("b", time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&b, 1)
		return nil
	})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	g.Stop()

	if atomic.LoadInt32(&a) == 0 || atomic.LoadInt32(&b) == 0 {
		t.Error("expected both workers to have ticked")
	}
}

func TestChannelLoop(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	ch <- 3
	close(ch)

	var sum int
	stopCh := make(chan struct{})
	ChannelLoop(context.Background(), stopCh, ch, func(ctx context.Context, item int) {
		sum += item
	})

	if sum != 6 {
		t.Errorf("sum = %d, want 6", sum)
	}
}

func TestRetryWithBackoff_SucceedsEventually(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("RetryWithBackoff() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func() error {
		return errors.New("permanent")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
