package mail

import (
	"context"
	"log"
	"sync"
	"time"
)

// LocalQueue is an in-process worker pool for deployments without NSQ.
// Jobs are held in a bounded buffer; Enqueue never blocks and reports
// ErrQueueFull when the buffer is saturated.
type LocalQueue struct {
	sender  Sender
	jobs    chan Job
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalQueue(sender Sender, workers, size int) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}

	q := &LocalQueue{
		sender:  sender,
		jobs:    make(chan Job, size),
		timeout: defaultHandleTimeout,
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *LocalQueue) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) work() {
	defer q.wg.Done()

	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.sender.Send(ctx, job); err != nil {
			log.Printf("[mail] send notification %d to %s failed: %v", job.NotificationID, job.To, err)
		}
		cancel()
	}
}

// Close stops accepting jobs and waits for queued ones to be sent.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}
