package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// QueueConfig contains the configuration for the queue
type QueueConfig struct {
	Workers   int // number of workers
	QueueSize int // size of the backlog
}

// Pool is an in-process bounded job queue served by a fixed number of workers.
type Pool struct {
	logger  *logger.Logger
	config  QueueConfig
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	closed  bool
	active  atomic.Int64
}

// NewPool creates a pool. Workers defaults to 1 and QueueSize to 100.
func NewPool(lgr *logger.Logger, config QueueConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	return &Pool{
		logger: lgr,
		config: config,
		jobs:   make(chan Job, config.QueueSize),
	}
}

// Start launches the workers. Jobs run with ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("queue workers started",
		logger.Int("workers", p.config.Workers),
		logger.Int("queue_size", p.config.QueueSize),
	)
}

// Enqueue adds a job without blocking.
func (p *Pool) Enqueue(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", job.Name(), ErrQueueFull)
	}
}

// Pending returns the number of queued and running jobs.
func (p *Pool) Pending() int {
	return len(p.jobs) + int(p.active.Load())
}

// Stop refuses new jobs and waits until the backlog is processed or ctx ends.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("queue workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, id int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("queue job panicked",
				logger.Int("worker_id", id),
				logger.String("job", job.Name()),
				logger.Any("panic", r),
			)
		}
	}()

	if err := job.Handle(ctx); err != nil {
		p.logger.Error("queue job failed",
			logger.Int("worker_id", id),
			logger.String("job", job.Name()),
			logger.Error(err),
		)
	}
}
