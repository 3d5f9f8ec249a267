package concurrent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Settled is the outcome of one call started by SettleAll.
type Settled[R any] struct {
	Index    int
	Value    R
	Err      error
	Duration time.Duration
}

// SettleAll starts fn for every item at once and reports each outcome on the returned
// channel in the order the calls finish. A failing or panicking call never affects its
// siblings. The channel is closed after every call has settled.
func SettleAll[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error)) <-chan Settled[R] {
	out := make(chan Settled[R], len(items))
	if len(items) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			start := time.Now()
			value, err := safeCall(ctx, val, fn)
			out <- Settled[R]{Index: idx, Value: value, Err: err, Duration: time.Since(start)}
		}(i, item)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func safeCall[T, R any](ctx context.Context, val T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, val)
}

// WorkerPool manages a pool of workers for concurrent operations
type WorkerPool struct {
	maxWorkers int
	sem        chan struct{}
}

// NewWorkerPool creates a new worker pool with the specified max workers
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Do executes a function with worker pool concurrency control
func (wp *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case wp.sem <- struct{}{}:
		defer func() { <-wp.sem }()
		return fn()
	}
}

// ParallelMap executes fn on each item with bounded concurrency and returns results in
// input order. Per-item errors are returned alongside, never short-circuiting the rest.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), maxConcurrency int) ([]R, []error) {
	if len(items) == 0 {
		return nil, nil
	}

	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
				results[idx], errs[idx] = safeCall(ctx, val, fn)
			}
		}(i, item)
	}

	wg.Wait()
	return results, errs
}
