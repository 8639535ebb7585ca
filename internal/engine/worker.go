package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize bounds concurrent update cycles across executions.
const DefaultPoolSize = 8

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Coalesced int64 `json:"coalesced"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs keyed work on a bounded number of goroutines. At most one
// job per key runs at a time: a submission for a key that is already running
// is folded into a single rerun after the current job returns.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	running map[string]*keyState
	done    chan struct{}
	closed  bool
}

type keyState struct {
	rerun bool
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		running: make(map[string]*keyState),
		done:    make(chan struct{}),
	}
}

// Submit schedules fn under key. It blocks while the pool is at capacity and
// respects ctx while waiting. It returns false when the key was already
// running and the submission was coalesced into a rerun.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	if st, ok := p.running[key]; ok {
		st.rerun = true
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Coalesced, 1)
		return false, nil
	}
	st := &keyState{}
	p.running[key] = st
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.forget(key)
		return false, ctx.Err()
	case <-p.done:
		p.forget(key)
		return false, ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		delete(p.running, key)
		p.mu.Unlock()
		<-p.sem
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()
		for {
			p.run(ctx, fn)
			p.mu.Lock()
			if st.rerun && !p.closed && ctx.Err() == nil {
				st.rerun = false
				p.mu.Unlock()
				continue
			}
			delete(p.running, key)
			p.mu.Unlock()
			return
		}
	}()
	return true, nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
	}()
	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

func (p *WorkerPool) forget(key string) {
	p.mu.Lock()
	delete(p.running, key)
	p.mu.Unlock()
}

// Running reports whether a job for key is in flight.
func (p *WorkerPool) Running(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions, drops pending reruns and waits for
// active jobs.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Coalesced: atomic.LoadInt64(&p.metrics.Coalesced),
	}
}
