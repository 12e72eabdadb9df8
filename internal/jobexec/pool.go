package jobexec

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/model"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolFull is returned by Submit when the queue has no room.
	ErrPoolFull = errors.New("worker pool queue is full")
)

// Pool runs acquired jobs on a fixed number of goroutines fed by a bounded
// queue. Submit never blocks.
type Pool struct {
	worker  *Worker
	size    int
	queue   chan *model.Job
	group   errgroup.Group
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool creates a pool of size goroutines with room for queueSize
// waiting jobs.
func NewPool(w *Worker, size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{worker: w, size: size, queue: make(chan *model.Job, queueSize)}
}

// Start launches the pool goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.group.SetLimit(p.size)
	for range p.size {
		p.group.Go(func() error {
			for job := range p.queue {
				p.worker.Run(ctx, job)
			}
			return nil
		})
	}
	p.started = true
	return nil
}

// Submit queues a job. It fails with ErrPoolFull instead of waiting when
// every goroutine is busy and the queue is full.
func (p *Pool) Submit(job *model.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.closed:
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Close stops accepting jobs and waits for queued and running jobs.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	return p.group.Wait()
}
