package fluxcore

import "context"

// Task is the Go realization of the spec's "awaitable": a deferred-execution
// closure returned by a listener, event handler, or async autorun function
// to signal that it isn't finished synchronously. A nil Task means "nothing
// further to do" and is simply discarded by the caller.
type Task func(ctx context.Context) error

// TaskCreator is the external seam that schedules Tasks produced by
// listeners, handlers, and autoruns. The store makes no progress guarantee
// for the tasks it hands off — that is this seam's responsibility. callback,
// if non-nil, is invoked with the task's error once it completes.
type TaskCreator func(t Task, callback func(error))

// NewPooledTaskCreator returns a TaskCreator backed by a bounded pool of
// workers goroutines, the same shape as the store's own side-effect worker
// pool (grounded on the teacher's MemoryEventBus worker pool). Each call
// submits to the pool; if the pool is saturated the call blocks until a slot
// frees up, so the run loop (which never calls this directly — only via
// submitTask after releasing its own locks) is never starved permanently.
func NewPooledTaskCreator(workers int) TaskCreator {
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	return func(t Task, callback func(error)) {
		if t == nil {
			return
		}
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			err := t(context.Background())
			if callback != nil {
				callback(err)
			}
		}()
	}
}
