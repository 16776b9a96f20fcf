// Package workerpool runs tasks on a fixed number of workers with retry and
// backoff. Submit blocks while the queue is full rather than dropping work.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("worker pool is closed")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Err      error
	Data     interface{}
	Attempts int
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay, multiplied by the attempt number
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for bulk imports
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  64,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool manages a pool of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	ctx       context.Context
	closeOnce sync.Once
	closed    atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a worker pool bound to ctx; cancelling ctx aborts pending
// retries and tasks not yet started
func New(ctx context.Context, cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		results:    make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Results delivers one result per submitted task. It is closed after Close
// once every worker has finished.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Close stops accepting tasks. Workers drain the queue and exit; Results is
// closed afterwards. Close does not block, so callers keep reading Results.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
		go func() {
			p.wg.Wait()
			close(p.results)
		}()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.results <- p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task *Task) *Result {
	result := &Result{TaskID: task.ID}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := p.ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts = attempt + 1
		data, err := p.workerFunc(p.ctx, task)
		if err == nil {
			result.Data = data
			result.Err = nil
			break
		}
		result.Err = err

		if attempt < p.config.MaxRetries {
			p.retried.Add(1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-p.ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	if result.Err != nil {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
	} else {
		p.completed.Add(1)
	}
	return result
}

// Stats holds pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Workers   int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Workers:   p.config.Workers,
	}
}
