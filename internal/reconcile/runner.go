package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultConcurrency is the worker pool size used when none is configured.
// It stays small to respect store-side rate limits.
const DefaultConcurrency = 3

// Task is one independent unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one Task.
type Result[T any] struct {
	Value T
	Err   error
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reconcile: task panicked: %v", e.Value)
}

// Run executes tasks with at most concurrency of them in flight and
// returns one Result per task, in input order.
//
// Exactly min(concurrency, len(tasks)) workers pull the next task index
// from a shared counter, so a fast worker moves on while a slow one is
// still busy. Errors and panics are captured per task and never stop the
// other tasks. Tasks not yet started when ctx is done get ctx.Err().
func Run[T any](ctx context.Context, tasks []Task[T], concurrency int) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	workers := min(concurrency, len(tasks))

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(tasks) {
					return
				}
				if err := ctx.Err(); err != nil {
					results[i] = Result[T]{Err: err}
					continue
				}
				results[i] = runTask(ctx, tasks[i])
			}
		}()
	}
	wg.Wait()
	return results
}

func runTask[T any](ctx context.Context, task Task[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: &PanicError{Value: r}}
		}
	}()
	v, err := task(ctx)
	return Result[T]{Value: v, Err: err}
}
