package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	queued, err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil || !queued {
		t.Fatalf("unexpected submit result: queued=%v err=%v", queued, err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
	if pool.Running("exec-1") {
		t.Error("key still marked running after completion")
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("exec-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_CoalescesSameKey(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	started := make(chan struct{}, 4)
	block := make(chan struct{})
	var runs, concurrent, maxConcurrent int64

	job := func(ctx context.Context) error {
		c := atomic.AddInt64(&concurrent, 1)
		if c > atomic.LoadInt64(&maxConcurrent) {
			atomic.StoreInt64(&maxConcurrent, c)
		}
		atomic.AddInt64(&runs, 1)
		started <- struct{}{}
		<-block
		atomic.AddInt64(&concurrent, -1)
		return nil
	}

	if queued, _ := pool.Submit(context.Background(), "exec", job); !queued {
		t.Fatal("first submission should queue")
	}
	<-started

	for i := 0; i < 3; i++ {
		if queued, err := pool.Submit(context.Background(), "exec", job); queued || err != nil {
			t.Fatalf("duplicate submission should coalesce: queued=%v err=%v", queued, err)
		}
	}
	close(block)
	pool.Wait()

	if got := atomic.LoadInt64(&runs); got != 2 {
		t.Errorf("expected one run plus one coalesced rerun, got %d", got)
	}
	if maxConcurrent != 1 {
		t.Errorf("same key ran concurrently: %d", maxConcurrent)
	}
	if m := pool.Metrics(); m.Coalesced != 3 {
		t.Errorf("expected 3 coalesced submissions, got %d", m.Coalesced)
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	_, err := pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		_, _ = pool.Submit(context.Background(), "b", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	if _, err := pool.Submit(context.Background(), "exec", func(ctx context.Context) error {
		panic("fold panic")
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failure, got %+v", m)
	}

	var ran int64
	if _, err := pool.Submit(context.Background(), "exec", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	_, _ = pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Submit(ctx, "b", func(ctx context.Context) error { return nil })
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}
	if pool.Running("b") {
		t.Error("cancelled submission left its key registered")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_ShutdownAndMetrics(t *testing.T) {
	pool := NewWorkerPool(4)
	errTarget := errors.New("cycle failed")

	for i := 0; i < 3; i++ {
		_, _ = pool.Submit(context.Background(), fmt.Sprintf("ok-%d", i), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}
	for i := 0; i < 2; i++ {
		_, _ = pool.Submit(context.Background(), fmt.Sprintf("bad-%d", i), func(ctx context.Context) error {
			return errTarget
		})
	}

	pool.Shutdown()
	pool.Shutdown()

	m := pool.Metrics()
	if m.Completed != 3 || m.Failed != 2 || m.Active != 0 {
		t.Errorf("unexpected metrics after shutdown: %+v", m)
	}

	if _, err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}
