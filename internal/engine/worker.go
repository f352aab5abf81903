package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// ErrAlreadyRunning is returned when work with the same key is queued or active.
var ErrAlreadyRunning = errors.New("run is already being driven")

// PanicHandler receives the key and recovered value of a panicking task.
type PanicHandler func(key string, recovered any)

// WorkerPool is a bounded goroutine pool for run drivers. Each task carries
// a key (the run id); at most one task per key is queued or active at a time.
type WorkerPool struct {
	size    int
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	onPanic PanicHandler

	mu     sync.Mutex
	keys   map[string]struct{}
	done   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool with the given max concurrency. onPanic may be nil.
func NewWorkerPool(size int, onPanic PanicHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
		keys:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Submit schedules fn under key and returns without waiting for a free slot.
// Queued tasks start in submission order as slots free up; Shutdown drops the
// ones still waiting. fn receives ctx, which does not bound the wait.
// Returns ErrPoolShutdown after Shutdown and ErrAlreadyRunning when key is
// queued or active.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, ok := p.keys[key]; ok {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.keys[key] = struct{}{}
	// wg.Add(1) happens under the lock so Shutdown's wg.Wait never races it.
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go p.wait(ctx, key, fn)
	return nil
}

func (p *WorkerPool) wait(ctx context.Context, key string, fn func(ctx context.Context) error) {
	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		p.drop(key)
		return
	}
	select {
	case <-p.done:
		<-p.sem
		p.drop(key)
		return
	default:
	}
	atomic.AddInt64(&p.metrics.Queued, -1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.run(ctx, key, fn)
}

func (p *WorkerPool) drop(key string) {
	atomic.AddInt64(&p.metrics.Queued, -1)
	p.release(key)
	p.wg.Done()
}

func (p *WorkerPool) run(ctx context.Context, key string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			if p.onPanic != nil {
				p.onPanic(key, r)
			}
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.release(key)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
}

// Running reports whether a task with key is queued or active.
func (p *WorkerPool) Running(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[key]
	return ok
}

// Wait blocks until all submitted work completes or is dropped.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions, drops queued work and waits for active
// work to complete.
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
		Size:      p.size,
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
