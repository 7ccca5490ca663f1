package queue

import (
	"context"
)

// Queue hands pending job references from producers to workers.
// Delivery is at-least-once: a reference that is dequeued but never acknowledged
// becomes visible again once its visibility timeout expires.
type Queue interface {
	// Enqueue appends a job reference to the queue
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue hands out the next visible reference without blocking.
	// It returns domain.ErrQueueEmpty when nothing is visible.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack removes a delivered reference for good
	Ack(ctx context.Context, d *Delivery) error

	// Nack makes a delivered reference visible again right away
	Nack(ctx context.Context, d *Delivery) error

	// Reclaim makes every reference whose visibility timeout expired visible again
	// and returns how many were moved
	Reclaim(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one hand-out of a job reference
type Delivery struct {
	JobID string
	// Receipt is the backend handle used to acknowledge this hand-out
	Receipt string
	// Redelivered is set when the reference was handed out before
	Redelivered bool
}

// Consumer is implemented by queues fed by a background broker consumer.
// Workers start it before dequeuing so a broker that refuses the consumer stops the process.
type Consumer interface {
	// StartConsuming starts the consumer once; later calls return the same channel.
	// The channel receives an error when the consumer stops for good.
	StartConsuming(ctx context.Context) (<-chan error, error)
}
