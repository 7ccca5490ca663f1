package rabbitq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

// dispatch turns broker deliveries into queue deliveries until ctx is canceled
func (q *Queue) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(q.done)
	defer q.drain()

	q.logger.Info("Message dispatcher started",
		slog.String("consumer_tag", q.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				q.logger.Error("RabbitMQ delivery channel closed")
				close(q.jobsChan)
				q.stopped <- domain.NewQueueError("consume", errors.New("delivery channel closed by broker"))
				return
			}

			d, ok := q.parse(delivery)
			if !ok {
				continue
			}

			select {
			case q.jobsChan <- d:
				q.logger.Debug("Job reference dispatched",
					slog.String("job_id", d.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				q.logger.Info("Message dispatcher stopped while dispatching job")
				if err := delivery.Nack(false, true); err != nil {
					q.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

// parse validates the message body. Malformed messages are rejected without requeue.
func (q *Queue) parse(delivery amqp.Delivery) (*queue.Delivery, bool) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		q.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			q.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return nil, false
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		q.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			q.logger.Error("Failed to NACK message with invalid job_id",
				slog.String("error", nackErr.Error()),
			)
		}
		return nil, false
	}

	return &queue.Delivery{
		JobID:       msg.JobID,
		Receipt:     strconv.FormatUint(delivery.DeliveryTag, 10),
		Redelivered: delivery.Redelivered,
	}, true
}

// drain hands buffered deliveries back to the broker
func (q *Queue) drain() {
	for {
		select {
		case d, ok := <-q.jobsChan:
			if !ok {
				return
			}
			if err := q.Nack(context.Background(), d); err != nil {
				q.logger.Warn("Failed to requeue buffered delivery",
					slog.String("job_id", d.JobID),
					slog.Any("error", err),
				)
			}
		default:
			return
		}
	}
}
