package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Common errors for worker pool operations
var (
	ErrPoolShutdown = errors.New("worker pool is shut down")
	ErrQueueFull    = errors.New("job queue is full")
)

// Job is a unit of work executed by the pool.
type Job struct {
	ID        string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

// NewJob creates a job with the given id and function.
func NewJob(id string, fn func(ctx context.Context) error) *Job {
	return &Job{
		ID:        id,
		Run:       fn,
		CreatedAt: time.Now(),
	}
}

// Result describes the outcome of a job.
type Result struct {
	JobID    string
	Err      error
	Duration time.Duration
	WorkerID int
}

// ResultHandler receives every job result. It runs on the worker goroutine.
type ResultHandler func(*Result)

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool manages a fixed set of goroutines consuming a buffered job queue.
type WorkerPool struct {
	name     string
	workers  int
	jobs     chan *Job
	onResult ResultHandler
	wg       sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool starts a pool with the given number of workers and a queue of
// queueSize jobs (workers*100 when queueSize <= 0).
func NewWorkerPool(name string, workers, queueSize int, onResult ResultHandler) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:     name,
		workers:  workers,
		jobs:     make(chan *Job, queueSize),
		onResult: onResult,
		ctx:      ctx,
		cancel:   cancel,
		running:  true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(id, job)
		}
	}
}

func (p *WorkerPool) process(workerID int, job *Job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	result := &Result{JobID: job.ID, WorkerID: workerID}

	// one panicking handler must not take the pool down
	defer func() {
		if r := recover(); r != nil {
			result.Err = errors.Newf("panic in job %s: %v", job.ID, r)
		}
		result.Duration = time.Since(start)
		if result.Err == nil {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
		}
		if p.onResult != nil {
			p.onResult(result)
		}
	}()

	if job.Run == nil {
		result.Err = fmt.Errorf("job %s has no run function", job.ID)
		return
	}
	result.Err = job.Run(p.ctx)
}

// TrySubmit enqueues a job without blocking.
func (p *WorkerPool) TrySubmit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolShutdown
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit enqueues a job, waiting for queue space until ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolShutdown
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolShutdown
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.jobs),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting jobs, drains the queue and waits for the workers.
func (p *WorkerPool) Shutdown() {
	_ = p.ShutdownWithTimeout(0)
}

// ShutdownWithTimeout is Shutdown bounded by timeout (0 waits forever). Jobs still
// queued when the timeout hits are abandoned.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		p.cancel()
		return nil
	}

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return errors.New("shutdown timeout")
	}
}

// IsRunning reports whether the pool still accepts jobs.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
