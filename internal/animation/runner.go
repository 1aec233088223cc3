package animation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrRunnerClosed = errors.New("animation: task runner closed")

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TaskRunner runs tasks one at a time on its own goroutine. Controllers
// that share a runner never run concurrently.
type TaskRunner struct {
	tasks     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewTaskRunner(queue int) *TaskRunner {
	r := &TaskRunner{
		tasks:   make(chan func(), queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *TaskRunner) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case task := <-r.tasks:
			task()
		}
	}
}

// Post queues f. It blocks while the queue is full.
func (r *TaskRunner) Post(f func()) error {
	select {
	case <-r.done:
		return ErrRunnerClosed
	default:
	}
	select {
	case <-r.done:
		return ErrRunnerClosed
	case r.tasks <- f:
		return nil
	}
}

// Do runs f on the runner and waits for it. It must not be called from a
// task, which would deadlock.
func (r *TaskRunner) Do(f func()) error {
	finished := make(chan struct{})
	if err := r.Post(func() {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.stopped:
		return ErrRunnerClosed
	}
}

type runnerTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *runnerTimer) Stop() bool {
	wasActive := !t.cancelled.Swap(true)
	t.timer.Stop()
	return wasActive
}

// AfterFunc posts f to the runner once d has elapsed. A timer stopped from a
// task is guaranteed not to run f, even if it already fired.
func (r *TaskRunner) AfterFunc(d time.Duration, f func()) Timer {
	t := &runnerTimer{}
	t.timer = time.AfterFunc(d, func() {
		_ = r.Post(func() {
			if t.cancelled.Swap(true) {
				return
			}
			f()
		})
	})
	return t
}

// Close stops the runner. Queued tasks are dropped.
func (r *TaskRunner) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
}
