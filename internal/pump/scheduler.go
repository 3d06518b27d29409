package pump

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Submit once the scheduler has been closed.
var ErrClosed = errors.New("scheduler closed")

// Scheduler runs short steps on a fixed set of worker goroutines. Steps are
// taken in FIFO order, so a step that resubmits its continuation goes to the
// back of the queue and every queued transfer gets a turn.
type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	active int
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler starts workers goroutines. workers < 1 is treated as 1.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Submit queues a new unit of work. It fails with ErrClosed after Close.
func (s *Scheduler) Submit(step func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.push(step)
	return nil
}

// resubmit queues the continuation of a running step. It is accepted even
// while closing so in-flight transfers can finish.
func (s *Scheduler) resubmit(step func()) {
	s.mu.Lock()
	s.push(step)
	s.mu.Unlock()
}

func (s *Scheduler) push(step func()) {
	s.queue = append(s.queue, step)
	s.cond.Signal()
}

// Pending is the number of queued steps not yet picked up by a worker.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting new work and blocks until every queued step, and
// every continuation those steps resubmit, has run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !(s.closed && s.active == 0) {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		step := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.active++
		s.mu.Unlock()

		step()

		s.mu.Lock()
		s.active--
		if s.closed && s.active == 0 && len(s.queue) == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}
