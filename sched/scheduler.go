package sched

import (
	"sync"

	"github.com/squareup/blockmgr/errors"
	"go.uber.org/zap"
)

// Scheduler runs actions one at a time, in submission order, on a single goroutine. The queue is unbounded so that
// scheduling never blocks, even when an action schedules another action.
type Scheduler struct {
	name    string
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []*actionHolder
	started bool
	stopped bool
	done    chan struct{}
	logger  *zap.Logger
}

type Action func() error

type actionHolder struct {
	action  Action
	errChan chan error
}

func NewScheduler(name string, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		name:   name,
		done:   make(chan struct{}),
		logger: logger.With(zap.String("scheduler", name)),
	}
	s.cond = sync.NewCond(&s.lock)
	return s
}

func (s *Scheduler) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.runLoop()
}

// Stop prevents further actions being scheduled, waits for already queued actions to run, then returns.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.lock.Unlock()
		return
	}
	s.stopped = true
	s.cond.Signal()
	s.lock.Unlock()
	<-s.done
}

func (s *Scheduler) runLoop() {
	defer close(s.done)
	for {
		holder, ok := s.next()
		if !ok {
			return
		}
		err := holder.action()
		if holder.errChan != nil {
			holder.errChan <- err
		} else if err != nil {
			s.logger.Error("failed to execute action", zap.Error(err))
		}
	}
}

func (s *Scheduler) next() (*actionHolder, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(s.queue) == 0 {
		if s.stopped {
			return nil, false
		}
		s.cond.Wait()
	}
	holder := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return holder, true
}

// ScheduleAction queues the action and returns a channel which receives its result.
func (s *Scheduler) ScheduleAction(action Action) chan error {
	// Channel size is 1 - we don't want the scheduler goroutine to block waiting for the reader
	ch := make(chan error, 1)
	if !s.enqueue(&actionHolder{action: action, errChan: ch}) {
		ch <- errors.NewNotStartedError(s.name)
	}
	return ch
}

// ScheduleActionFireAndForget queues the action. An error returned by the action is logged.
func (s *Scheduler) ScheduleActionFireAndForget(action Action) {
	if !s.enqueue(&actionHolder{action: action}) {
		s.logger.Warn("action dropped, scheduler is stopped")
	}
}

func (s *Scheduler) enqueue(holder *actionHolder) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return false
	}
	s.queue = append(s.queue, holder)
	s.cond.Signal()
	return true
}

// QueueLength is the number of actions waiting to run.
func (s *Scheduler) QueueLength() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.queue)
}
