package memq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("queue closed")

// DefaultVisibilityTimeout applies when New gets a non-positive timeout
const DefaultVisibilityTimeout = 5 * time.Minute

type entry struct {
	jobID       string
	redelivered bool
}

type inflight struct {
	entry
	deadline time.Time
}

// Queue is an in-process FIFO queue with visibility timeouts
type Queue struct {
	mu                sync.Mutex
	pending           []entry
	inflight          map[string]inflight
	visibilityTimeout time.Duration
	closed            bool
	now               func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New creates an empty queue
func New(visibilityTimeout time.Duration) *Queue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &Queue{
		inflight:          make(map[string]inflight),
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
	}
}

func (q *Queue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewQueueError("enqueue", ErrClosed)
	}
	q.pending = append(q.pending, entry{jobID: jobID})
	return nil
}

func (q *Queue) Dequeue(_ context.Context) (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewQueueError("dequeue", ErrClosed)
	}

	q.reclaimLocked()

	if len(q.pending) == 0 {
		return nil, domain.ErrQueueEmpty
	}

	next := q.pending[0]
	q.pending[0] = entry{}
	q.pending = q.pending[1:]

	receipt := uuid.NewString()
	q.inflight[receipt] = inflight{entry: next, deadline: q.now().Add(q.visibilityTimeout)}

	return &queue.Delivery{
		JobID:       next.jobID,
		Receipt:     receipt,
		Redelivered: next.redelivered,
	}, nil
}

// Ack of an unknown or expired receipt is a no-op
func (q *Queue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, d.Receipt)
	return nil
}

func (q *Queue) Nack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[d.Receipt]
	if !ok {
		return nil
	}
	delete(q.inflight, d.Receipt)
	item.redelivered = true
	q.pending = append([]entry{item.entry}, q.pending...)
	return nil
}

func (q *Queue) Reclaim(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(), nil
}

func (q *Queue) reclaimLocked() int {
	now := q.now()
	moved := 0
	for receipt, item := range q.inflight {
		if now.Before(item.deadline) {
			continue
		}
		delete(q.inflight, receipt)
		item.redelivered = true
		q.pending = append([]entry{item.entry}, q.pending...)
		moved++
	}
	return moved
}

func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.NewQueueError("ping", ErrClosed)
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len returns the number of visible and in-flight references
func (q *Queue) Len() (visible, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}
