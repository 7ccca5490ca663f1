package rabbitq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  [][]byte
	acked      []uint64
	nacked     []uint64
	rejected   []uint64
	deliveries chan amqp.Delivery
	publishErr error
	consumeErr error
	consumes   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 10)}
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumes++
	if b.consumeErr != nil {
		err := b.consumeErr
		b.consumeErr = nil
		return nil, err
	}
	return b.deliveries, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.nacked = append(b.nacked, tag)
	} else {
		b.rejected = append(b.rejected, tag)
	}
	return nil
}

func (b *fakeBroker) HealthCheck(context.Context) error {
	return nil
}

// amqp.Acknowledger used by deliveries the dispatcher rejects itself
func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, requeue)
}

type ackAdapter struct{ *fakeBroker }

func (a ackAdapter) Ack(tag uint64, _ bool) error { return a.fakeBroker.Ack(tag) }
func (a ackAdapter) Nack(tag uint64, _ bool, requeue bool) error {
	return a.fakeBroker.Nack(tag, requeue)
}

func (b *fakeBroker) deliver(tag uint64, body string, redelivered bool) {
	b.deliveries <- amqp.Delivery{
		Acknowledger: ackAdapter{b},
		DeliveryTag:  tag,
		Body:         []byte(body),
		Redelivered:  redelivered,
	}
}

func (b *fakeBroker) snapshot() (acked, nacked, rejected []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...), append([]uint64(nil), b.nacked...), append([]uint64(nil), b.rejected...)
}

func dequeueEventually(t *testing.T, q *Queue) *queue.Delivery {
	t.Helper()
	var d *queue.Delivery
	require.Eventually(t, func() bool {
		var err error
		d, err = q.Dequeue(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return d
}

func TestQueue_Enqueue(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))

	require.NoError(t, q.Enqueue(context.Background(), "6f1c1f3e-0b7a-4c1e-9f51-2d9e8c1b7a10"))

	require.Len(t, broker.published, 1)
	var msg domain.JobMessage
	require.NoError(t, json.Unmarshal(broker.published[0], &msg))
	assert.Equal(t, "6f1c1f3e-0b7a-4c1e-9f51-2d9e8c1b7a10", msg.JobID)

	broker.publishErr = errors.New("channel closed")
	var queueErr *domain.QueueError
	assert.ErrorAs(t, q.Enqueue(context.Background(), "x"), &queueErr)
}

func TestQueue_DequeueAndAck(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = q.Close() })

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	const jobID = "6f1c1f3e-0b7a-4c1e-9f51-2d9e8c1b7a10"
	broker.deliver(7, `{"job_id":"`+jobID+`"}`, true)

	d := dequeueEventually(t, q)
	assert.Equal(t, jobID, d.JobID)
	assert.Equal(t, "7", d.Receipt)
	assert.True(t, d.Redelivered)

	require.NoError(t, q.Ack(context.Background(), d))
	acked, _, _ := broker.snapshot()
	assert.Equal(t, []uint64{7}, acked)

	broker.deliver(8, `{"job_id":"`+jobID+`"}`, false)
	d = dequeueEventually(t, q)
	require.NoError(t, q.Nack(context.Background(), d))
	_, nacked, _ := broker.snapshot()
	assert.Equal(t, []uint64{8}, nacked)
}

func TestQueue_RejectsMalformedMessages(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = q.Close() })

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, domain.ErrQueueEmpty)

	broker.deliver(1, `not json`, false)
	broker.deliver(2, `{"job_id":"not-a-uuid"}`, false)

	require.Eventually(t, func() bool {
		_, _, rejected := broker.snapshot()
		return len(rejected) == 2
	}, time.Second, 5*time.Millisecond)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestQueue_InvalidReceipt(t *testing.T) {
	q := New(newFakeBroker(), "worker-1", 1, slog.New(slog.DiscardHandler))

	var queueErr *domain.QueueError
	assert.ErrorAs(t, q.Ack(context.Background(), &queue.Delivery{Receipt: "abc"}), &queueErr)
	assert.ErrorAs(t, q.Nack(context.Background(), &queue.Delivery{Receipt: ""}), &queueErr)

	moved, err := q.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestQueue_CloseRequeuesBuffered(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 4, slog.New(slog.DiscardHandler))

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, domain.ErrQueueEmpty)

	const jobID = "6f1c1f3e-0b7a-4c1e-9f51-2d9e8c1b7a10"
	broker.deliver(3, `{"job_id":"`+jobID+`"}`, false)

	require.Eventually(t, func() bool { return len(q.jobsChan) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
	_, nacked, _ := broker.snapshot()
	assert.Equal(t, []uint64{3}, nacked)
}

func TestQueue_StartConsumingRetriesAfterFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.consumeErr = errors.New("channel not ready")
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = q.Close() })

	var queueErr *domain.QueueError
	_, err := q.StartConsuming(context.Background())
	require.ErrorAs(t, err, &queueErr)

	stopped, err := q.StartConsuming(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stopped)

	again, err := q.StartConsuming(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stopped, again)
	assert.Equal(t, 2, broker.consumes)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestQueue_ReportsClosedDeliveryChannel(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = q.Close() })

	stopped, err := q.StartConsuming(context.Background())
	require.NoError(t, err)

	close(broker.deliveries)

	select {
	case err := <-stopped:
		var queueErr *domain.QueueError
		assert.ErrorAs(t, err, &queueErr)
	case <-time.After(time.Second):
		t.Fatal("closed delivery channel was not reported")
	}

	_, err = q.Dequeue(context.Background())
	var queueErr *domain.QueueError
	assert.ErrorAs(t, err, &queueErr)
}

func TestQueue_StartConsumingAfterClose(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "worker-1", 2, slog.New(slog.DiscardHandler))
	require.NoError(t, q.Close())

	_, err := q.StartConsuming(context.Background())
	assert.Error(t, err)
	assert.Zero(t, broker.consumes)
}
