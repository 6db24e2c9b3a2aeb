package migration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/squareup/blockmgr/common"
)

// workerPool runs record transfers on a fixed number of goroutines.
type workerPool struct {
	workers int
	tasks   chan func()
	lock    sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan func(), workers),
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
}

func (p *workerPool) runWorker() {
	defer common.PanicHandler()
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// submit blocks while every worker is busy. It returns false if the pool has been stopped.
func (p *workerPool) submit(task func()) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.stopped {
		return false
	}
	p.tasks <- task
	return true
}

// stop waits for queued tasks to finish.
func (p *workerPool) stop() {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.lock.Unlock()
	p.wg.Wait()
}

type countdownLatch struct {
	remaining int64
	done      chan struct{}
}

func newCountdownLatch(count int) *countdownLatch {
	l := &countdownLatch{remaining: int64(count), done: make(chan struct{})}
	if count == 0 {
		close(l.done)
	}
	return l
}

func (l *countdownLatch) countDown() {
	if atomic.AddInt64(&l.remaining, -1) == 0 {
		close(l.done)
	}
}

// await returns false if the count has not reached zero within timeout.
func (l *countdownLatch) await(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}
