package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0, nil)
	defer pool.Shutdown()

	if pool == nil {
		t.Fatal("NewWorkerPool returned nil")
	}

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
}

func TestWorkerPoolSubmit(t *testing.T) {
	results := make(chan *Result, 1)
	pool := NewWorkerPool("test", 2, 0, func(r *Result) { results <- r })
	defer pool.Shutdown()

	var processed int64
	job := NewJob("job-1", func(ctx context.Context) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	if err := pool.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case result := <-results:
		if result.Err != nil {
			t.Errorf("Job should succeed, got %v", result.Err)
		}
		if result.JobID != "job-1" {
			t.Errorf("Expected job ID 'job-1', got %s", result.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	if atomic.LoadInt64(&processed) != 1 {
		t.Error("Job was not processed")
	}
}

func TestWorkerPoolJobError(t *testing.T) {
	results := make(chan *Result, 1)
	pool := NewWorkerPool("test", 2, 0, func(r *Result) { results <- r })
	defer pool.Shutdown()

	expectedErr := errors.New("job failed")
	_ = pool.TrySubmit(NewJob("job-error", func(ctx context.Context) error {
		return expectedErr
	}))

	select {
	case result := <-results:
		if !errors.Is(result.Err, expectedErr) {
			t.Errorf("Expected %v, got %v", expectedErr, result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	if stats := pool.GetStats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestWorkerPoolPanicRecovery(t *testing.T) {
	results := make(chan *Result, 2)
	pool := NewWorkerPool("test", 1, 0, func(r *Result) { results <- r })
	defer pool.Shutdown()

	_ = pool.TrySubmit(NewJob("panics", func(ctx context.Context) error {
		panic("boom")
	}))
	_ = pool.TrySubmit(NewJob("after", func(ctx context.Context) error { return nil }))

	first := <-results
	if first.Err == nil {
		t.Error("Expected error from panicking job")
	}
	second := <-results
	if second.Err != nil {
		t.Errorf("Pool should keep working after a panic, got %v", second.Err)
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	numJobs := 100
	var wg sync.WaitGroup
	wg.Add(numJobs)

	pool := NewWorkerPool("test", 8, 0, func(*Result) { wg.Done() })
	defer pool.Shutdown()

	for i := 0; i < numJobs; i++ {
		job := NewJob(fmt.Sprintf("job-%d", i), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		})
		if err := pool.Submit(context.Background(), job); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for jobs")
	}

	if stats := pool.GetStats(); stats.Completed != int64(numJobs) {
		t.Errorf("Expected %d completed, got %d", numJobs, stats.Completed)
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool("test", 1, 1, nil)
	defer func() {
		close(block)
		pool.Shutdown()
	}()

	wait := func(ctx context.Context) error { <-block; return nil }
	_ = pool.TrySubmit(NewJob("running", wait))
	time.Sleep(20 * time.Millisecond)
	_ = pool.TrySubmit(NewJob("queued", wait))

	if err := pool.TrySubmit(NewJob("overflow", wait)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, NewJob("overflow", wait)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool("test", 2, 0, nil)
	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}

	err := pool.TrySubmit(NewJob("late", func(ctx context.Context) error { return nil }))
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Expected ErrPoolShutdown, got %v", err)
	}

	// second shutdown is a no-op
	pool.Shutdown()
}
