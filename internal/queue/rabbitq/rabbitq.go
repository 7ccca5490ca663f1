package rabbitq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

// Broker is the part of the RabbitMQ client the queue relies on
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	HealthCheck(ctx context.Context) error
}

// Queue is a RabbitMQ backed queue. Messages are persistent and acknowledged manually;
// the broker redelivers anything left unacknowledged when a consumer goes away, so it
// owns the visibility timeout.
type Queue struct {
	broker      Broker
	logger      *slog.Logger
	consumerTag string
	prefetch    int

	mu       sync.Mutex
	started  bool
	closed   bool
	jobsChan chan *queue.Delivery
	stopped  chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// New creates a queue. Producers never hold a consumer: consuming starts with StartConsuming
// or the first Dequeue.
func New(broker Broker, consumerTag string, prefetch int, logger *slog.Logger) *Queue {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Queue{
		broker:      broker,
		logger:      logger,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		jobsChan:    make(chan *queue.Delivery, prefetch),
		stopped:     make(chan error, 1),
		done:        make(chan struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return domain.NewQueueError("enqueue", fmt.Errorf("failed to marshal job message: %w", err))
	}

	if err := q.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return domain.NewQueueError("enqueue", err)
	}

	q.logger.Debug("Job reference published",
		slog.String("job_id", jobID),
	)
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	if _, err := q.StartConsuming(ctx); err != nil {
		return nil, err
	}

	select {
	case d, ok := <-q.jobsChan:
		if !ok {
			return nil, domain.NewQueueError("dequeue", fmt.Errorf("delivery channel closed"))
		}
		return d, nil
	default:
		return nil, domain.ErrQueueEmpty
	}
}

func (q *Queue) Ack(_ context.Context, d *queue.Delivery) error {
	tag, err := strconv.ParseUint(d.Receipt, 10, 64)
	if err != nil {
		return domain.NewQueueError("ack", fmt.Errorf("invalid receipt %q: %w", d.Receipt, err))
	}
	if err := q.broker.Ack(tag); err != nil {
		return domain.NewQueueError("ack", err)
	}
	return nil
}

func (q *Queue) Nack(_ context.Context, d *queue.Delivery) error {
	tag, err := strconv.ParseUint(d.Receipt, 10, 64)
	if err != nil {
		return domain.NewQueueError("nack", fmt.Errorf("invalid receipt %q: %w", d.Receipt, err))
	}
	if err := q.broker.Nack(tag, true); err != nil {
		return domain.NewQueueError("nack", err)
	}
	return nil
}

// Reclaim is a no-op; unacknowledged messages are requeued by the broker
func (q *Queue) Reclaim(context.Context) (int, error) {
	return 0, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.broker.HealthCheck(ctx); err != nil {
		return domain.NewQueueError("ping", err)
	}
	return nil
}

// Close stops the dispatcher. Deliveries still buffered are requeued.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-q.done
	}
	return nil
}

// StartConsuming starts the broker consumer. A failed start is not remembered, so the
// next call tries again.
func (q *Queue) StartConsuming(_ context.Context) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewQueueError("consume", errors.New("queue closed"))
	}
	if q.started {
		return q.stopped, nil
	}

	deliveries, err := q.broker.Consume(q.consumerTag)
	if err != nil {
		return nil, domain.NewQueueError("consume", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true

	q.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", q.consumerTag),
		slog.Int("prefetch_count", q.prefetch),
	)

	go q.dispatch(ctx, deliveries)
	return q.stopped, nil
}
