//go:build integration

package redisq

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobplatform/internal/domain"
	sharedredis "github.com/cuongbtq/jobplatform/shared/redis"
)

func newTestQueue(t *testing.T, timeout time.Duration) *Queue {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	logger := slog.New(slog.DiscardHandler)
	client, err := sharedredis.NewClient(context.Background(), &sharedredis.Config{
		URL:           url,
		RetryAttempts: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	q := New(client.GetClient(), Config{
		KeyPrefix:         "test:" + uuid.NewString(),
		VisibilityTimeout: timeout,
	}, logger)

	t.Cleanup(func() {
		client.GetClient().Del(context.Background(), q.pendingKey, q.inflightKey, q.receiptsKey, q.deliveriesKey)
	})
	return q
}

func TestQueue_FIFOAndAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}

	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.JobID)
		assert.False(t, d.Redelivered)
		require.NoError(t, q.Ack(ctx, d))
	}

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	visible, inFlight, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, visible)
	assert.Zero(t, inFlight)
}

func TestQueue_Nack(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.JobID)
	assert.True(t, again.Redelivered)
}

func TestQueue_VisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, "a"))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, domain.ErrQueueEmpty)

	current = current.Add(2 * time.Minute)
	moved, err := q.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", second.JobID)
	assert.True(t, second.Redelivered)

	// the expired receipt is spent
	require.NoError(t, q.Ack(ctx, first))
	_, inFlight, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inFlight)
}
