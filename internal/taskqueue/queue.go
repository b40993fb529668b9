// Package taskqueue implements a single-worker FIFO queue of closures,
// used to serialize access to things that are not safely shared (the
// SLAM engine, a compressing file writer) and to run slow teardown work
// off the caller's hot path.
package taskqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opencensus.io/trace"
)

// Queue runs enqueued work on a single background goroutine, in
// submission order. The zero value is not usable; construct with New.
type Queue struct {
	work chan func()

	mu      sync.Mutex
	pending int

	done chan struct{}
	wg   sync.WaitGroup

	finishOnce sync.Once
}

// New starts a Queue's worker goroutine and returns the Queue. depth
// bounds how many pending tasks may be queued before AddTask blocks.
func New(depth int) *Queue {
	q := &Queue{
		work: make(chan func(), depth),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for task := range q.work {
		task()
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}
}

// AddTask enqueues task for execution on the worker goroutine. It is
// safe to call from any goroutine.
func (q *Queue) AddTask(task func()) {
	_, span := trace.StartSpan(context.Background(), "taskqueue.AddTask")
	defer span.End()
	taskID := uuid.New().String()
	span.AddAttributes(trace.StringAttribute("task_id", taskID))

	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	q.work <- task
}

// NumPending returns the number of tasks queued or running.
func (q *Queue) NumPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// FinishSync signals shutdown and blocks until every queued task has
// run and the worker goroutine has exited. It is safe to call more
// than once; only the first call has effect.
func (q *Queue) FinishSync() {
	q.finishOnce.Do(func() {
		close(q.work)
		q.wg.Wait()
		close(q.done)
	})
	<-q.done
}
