package bluetooth

import (
	"log"
	"time"

	"go.uber.org/atomic"
)

// TaskScheduler schedules delayed work onto the service loop.
type TaskScheduler interface {
	// Schedule arranges for the task to be delivered after the delay and
	// reports whether it was accepted. There is no cancellation: a task
	// that is obsolete by the time it fires is discarded by the state
	// checks in its handler.
	Schedule(task Task, delay time.Duration) bool
}

// timerScheduler delivers tasks onto a channel drained by the service loop.
// The buffer matches the pending capacity, so a firing timer never blocks
// even when the loop is busy.
type timerScheduler struct {
	tasks    chan Task
	capacity int32
	pending  *atomic.Int32
	closed   *atomic.Bool
}

func newTimerScheduler(capacity int) *timerScheduler {
	return &timerScheduler{
		tasks:    make(chan Task, capacity),
		capacity: int32(capacity),
		pending:  atomic.NewInt32(0),
		closed:   atomic.NewBool(false),
	}
}

func (s *timerScheduler) Schedule(task Task, delay time.Duration) bool {
	if s.closed.Load() {
		return false
	}
	for {
		n := s.pending.Load()
		if n >= s.capacity {
			log.Printf("[scheduler] rejecting %s task: %d pending", task.Kind, n)
			return false
		}
		if s.pending.CompareAndSwap(n, n+1) {
			break
		}
	}

	time.AfterFunc(delay, func() { s.fire(task) })
	return true
}

func (s *timerScheduler) fire(task Task) {
	defer s.pending.Dec()

	if s.closed.Load() {
		return
	}
	select {
	case s.tasks <- task:
	default:
		// Unreachable while capacity == len(buffer), kept so a firing
		// timer can never block.
		log.Printf("[scheduler] dropping %s task", task.Kind)
	}
}

// Tasks is the delivery channel drained by the service loop.
func (s *timerScheduler) Tasks() <-chan Task {
	return s.tasks
}

func (s *timerScheduler) close() {
	s.closed.Store(true)
}
