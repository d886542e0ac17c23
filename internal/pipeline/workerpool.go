package pipeline

import (
	"sync"
	"time"
)

// WorkerPool runs short off-hot-path jobs (the broker-health responder,
// the revocation store's disk flush) on a fixed set of goroutines so the
// single-threaded dispatch path never blocks on I/O or disk.
type WorkerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewWorkerPool starts numWorkers goroutines draining a channel buffered to
// queueSize. numWorkers and queueSize below 1 are treated as 1.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &WorkerPool{
		jobs: make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues job for execution on a worker goroutine. It returns false
// without running job if the pool has been stopped or the queue is full.
func (p *WorkerPool) Submit(job func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the job queue and waits up to timeout for in-flight and
// queued jobs to drain. It is safe to call more than once.
func (p *WorkerPool) Stop(timeout time.Duration) {
	p.once.Do(func() {
		close(p.done)
		close(p.jobs)
	})

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
	}
}
