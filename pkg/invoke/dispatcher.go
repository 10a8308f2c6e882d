// Bounded worker queue delivering asynchronous events without blocking the caller
// Failures are logged and counted; they never reach the submitter
package invoke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Dispatcher errors.
var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is one unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// DispatchStats counts job outcomes since the dispatcher started.
type DispatchStats struct {
	Completed int64
	Failed    int64
	Rejected  int64
}

// Dispatcher runs submitted jobs on a fixed pool of workers.
type Dispatcher struct {
	queue  chan Job
	logger logrus.FieldLogger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewDispatcher starts workers goroutines consuming a queue of queueSize jobs.
func NewDispatcher(workers, queueSize int, logger logrus.FieldLogger) *Dispatcher {
	workers = max(workers, 1)
	queueSize = max(queueSize, 0)
	d := &Dispatcher{
		queue:  make(chan Job, queueSize),
		logger: logger,
	}
	d.wg.Add(workers)
	for range workers {
		go d.work()
	}
	return d
}

// Submit queues job without blocking. It fails with ErrQueueFull when every
// slot is taken and ErrDispatcherClosed after Close.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.rejected.Add(1)
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- job:
		return nil
	default:
		d.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrQueueFull, job.Name)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.WithFields(logrus.Fields{"function": job.Name, "panic": r}).Error("async invocation panicked")
		}
	}()
	if err := job.Run(context.Background()); err != nil {
		d.failed.Add(1)
		d.logger.WithError(err).WithField("function", job.Name).Warn("async invocation failed")
		return
	}
	d.completed.Add(1)
}

// Close stops accepting jobs and waits for queued ones to finish, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining dispatcher: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the job counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
	}
}
