package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a closed pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the batch pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Waiting   int64 `json:"waiting"` // callers blocked on a free slot
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// PoolOption customizes a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPanicHandler receives the label of the task and the recovered value
// whenever a task panics.
func WithPanicHandler(fn func(label string, recovered any)) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// WorkerPool bounds how many invocations of a batch run at once. Each task
// runs on its own goroutine once a slot is free.
type WorkerPool struct {
	size    int
	slots   chan struct{}
	onPanic func(string, any)

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	running sync.WaitGroup

	waiting   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int, opts ...PoolOption) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		size:    size,
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Go waits for a free slot and starts fn on it. It blocks while the pool is
// full, returns ctx.Err() if ctx ends first, and ErrPoolShutdown once Close
// has been called. label identifies the task to the panic handler.
func (p *WorkerPool) Go(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.closing:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// Registering under the lock keeps Close from missing a task that won
	// a slot concurrently with it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, label, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, label string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(label, r)
			}
		}
		p.active.Add(-1)
		<-p.slots
		p.running.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every started task has returned.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Close rejects new work, wakes callers waiting for a slot, and waits for
// running tasks. Safe to call more than once.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.running.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Waiting:   p.waiting.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
