// Package workerpool provides the bounded pool that runs participant prepares.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Job is a unit of work run by a worker.
type Job func()

// Pool runs jobs on a fixed number of workers. Its lifecycle belongs to the
// caller: create it once, share it between rollouts, Close it on shutdown.
type Pool struct {
	numWorkers int
	jobs       chan Job
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// Option configures a Pool
type Option func(*Pool)

// WithQueueSize sets the number of jobs that may wait for a worker
func WithQueueSize(size int) Option {
	return func(p *Pool) {
		if size < 0 {
			size = 0
		}
		p.jobs = make(chan Job, size)
	}
}

// WithLogger sets the pool logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// New starts a pool with numWorkers workers (at least one).
func New(numWorkers int, opts ...Option) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}

	p := &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).Named("workerpool")

	p.start()
	return p
}

func (p *Pool) start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(workerID, job)
			}
		}(i + 1)
	}
}

func (p *Pool) run(workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.numWorkers
}

// Submit queues a job, blocking while the queue is full. It fails when the
// pool is closed or ctx is done before a slot frees up.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
