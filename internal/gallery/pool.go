package gallery

import (
	"context"
	"sync"
)

// pool runs upload and delete jobs on a fixed set of workers. Queued jobs
// are drained on shutdown so every Op completes.
type pool struct {
	jobs chan func(context.Context)
	quit chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

func newPool(workers, queueSize int) *pool {
	if queueSize <= 0 {
		queueSize = 16
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan func(context.Context), queueSize),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// submit queues job, blocking while the queue is full.
func (p *pool) submit(ctx context.Context, job func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	case p.jobs <- job:
		return nil
	}
}

// shutdown stops accepting jobs and waits for queued ones. When ctx expires
// first, running jobs are cancelled.
func (p *pool) shutdown(ctx context.Context) error {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job(p.ctx)
	}
}
