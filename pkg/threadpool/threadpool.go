package threadpool

import (
	"sync"
)

// ThreadPool runs queued tasks on a fixed set of worker goroutines.
// Tasks are started in FIFO order; they may finish in any order.
type ThreadPool struct {
	mutex    sync.Mutex
	hasWork  *sync.Cond
	finished *sync.Cond

	tasks   []func()
	busy    int
	stopped bool
	wg      sync.WaitGroup
}

// New starts n workers. n below one starts a single worker.
func New(n int) *ThreadPool {
	if n < 1 {
		n = 1
	}
	p := &ThreadPool{}
	p.hasWork = sync.NewCond(&p.mutex)
	p.finished = sync.NewCond(&p.mutex)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()

	p.mutex.Lock()
	for {
		for len(p.tasks) == 0 && !p.stopped {
			p.hasWork.Wait()
		}
		if p.stopped && len(p.tasks) == 0 {
			p.mutex.Unlock()
			return
		}

		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.busy++
		p.mutex.Unlock()

		task()

		p.mutex.Lock()
		p.busy--
		if p.busy == 0 && len(p.tasks) == 0 {
			p.finished.Broadcast()
		}
	}
}

// Enqueue queues task and wakes one idle worker.
func (p *ThreadPool) Enqueue(task func()) {
	p.mutex.Lock()
	p.tasks = append(p.tasks, task)
	p.mutex.Unlock()
	p.hasWork.Signal()
}

// WaitForProcessingDone blocks until the queue is empty and no task is
// running.
func (p *ThreadPool) WaitForProcessingDone() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for len(p.tasks) > 0 || p.busy > 0 {
		p.finished.Wait()
	}
}

// QueueSize returns the number of tasks not yet started.
func (p *ThreadPool) QueueSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.tasks)
}

// Busy returns the number of tasks currently running.
func (p *ThreadPool) Busy() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.busy
}

// StopThreads lets the workers finish the queued tasks, then joins them.
// The pool must not be used afterwards.
func (p *ThreadPool) StopThreads() {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return
	}
	p.stopped = true
	p.mutex.Unlock()

	p.hasWork.Broadcast()
	p.wg.Wait()
}
