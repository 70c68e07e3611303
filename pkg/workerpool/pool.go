// Package workerpool provides a bounded worker pool for prescription analysis
// jobs.
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

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is shutting down")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
	// Retryable asks the pool to run the task again after RetryDelay.
	Retryable bool
	Attempts  int
	Duration  time.Duration
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for retryable failures
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// TaskTimeout bounds a single attempt; zero means no bound
	TaskTimeout time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for OCR-bound analyses
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		TaskTimeout:             60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	mu         sync.RWMutex
	closed     bool
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	activeWorkers  atomic.Int64
	busyWorkers    atomic.Int64
	queueDepth     atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting. Its result is delivered on Results.
func (p *Pool) Submit(task *Task) error {
	return p.enqueue(task)
}

func (p *Pool) enqueue(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		p.tasksSubmitted.Add(1)
		p.queueDepth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task and blocks until it finishes or ctx is done. The
// result is returned directly and not delivered on Results.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}
	if err := p.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// Results returns the result channel for tasks queued with Submit
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop stops accepting tasks, drains the queue and waits for running tasks
// up to GracefulShutdownTimeout. It is safe to call more than once.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.closed = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
			close(p.resultChan)
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.cancel()
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for task := range p.taskChan {
		p.queueDepth.Add(-1)
		p.busyWorkers.Add(1)
		result := p.processTask(task)
		p.busyWorkers.Add(-1)
		p.deliver(id, task, result)
	}
}

// processTask runs a task, retrying failures the worker marked retryable.
func (p *Pool) processTask(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	start := time.Now()

	var result *Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			result.Attempts = attempt - 1
			break
		}

		result = p.attempt(ctx, task)
		result.Attempts = attempt
		if result.Success || !result.Retryable || attempt > p.config.MaxRetries {
			break
		}

		p.tasksRetried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}

	result.TaskID = task.ID
	result.Duration = time.Since(start)
	return result
}

func (p *Pool) attempt(ctx context.Context, task *Task) (result *Result) {
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			result = &Result{Error: fmt.Errorf("task panicked: %v", r)}
		}
	}()

	result = p.workerFunc(ctx, task)
	if result == nil {
		result = &Result{Success: true}
	}
	return result
}

func (p *Pool) deliver(workerID int, task *Task, result *Result) {
	if result.Success {
		p.tasksCompleted.Add(1)
	} else {
		p.tasksFailed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}

	if task.done != nil {
		task.done <- result
		return
	}
	select {
	case p.resultChan <- result:
	default:
		p.logger.Warn("result channel full, dropping result",
			zap.String("task_id", task.ID))
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	BusyWorkers    int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		BusyWorkers:    p.busyWorkers.Load(),
		QueueDepth:     p.queueDepth.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
