package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

// DefaultKeyPrefix namespaces every key the queue touches
const DefaultKeyPrefix = "jobs"

// moveExpired is shared by the dequeue and reclaim scripts. Expired receipts go back to the
// consuming end of the pending list so they are handed out next.
const moveExpired = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, receipt in ipairs(expired) do
	local id = redis.call('HGET', KEYS[3], receipt)
	redis.call('ZREM', KEYS[2], receipt)
	redis.call('HDEL', KEYS[3], receipt)
	if id then
		redis.call('RPUSH', KEYS[1], id)
	end
end
`

// KEYS: pending, inflight, receipts, deliveries
// ARGV: now_ms, deadline_ms, receipt
var dequeueScript = redis.NewScript(moveExpired + `
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], id)
local deliveries = redis.call('HINCRBY', KEYS[4], id, 1)
return {id, deliveries}
`)

// KEYS: pending, inflight, receipts
// ARGV: now_ms
var reclaimScript = redis.NewScript(moveExpired + `
return #expired
`)

// KEYS: inflight, receipts, deliveries
// ARGV: receipt
var ackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[2], ARGV[1])
if not id then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], id)
return 1
`)

// KEYS: pending, inflight, receipts
// ARGV: receipt
var nackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[3], ARGV[1])
if not id then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[1], id)
return 1
`)

// Config holds queue settings
type Config struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
}

// Queue is a Redis backed queue. Pending references live in a list, handed-out references
// in a sorted set scored by their visibility deadline. Every move between the two is a
// single Lua script, so a crashed worker never loses a reference.
type Queue struct {
	rdb               *redis.Client
	logger            *slog.Logger
	visibilityTimeout time.Duration
	now               func() time.Time

	pendingKey    string
	inflightKey   string
	receiptsKey   string
	deliveriesKey string
}

var _ queue.Queue = (*Queue)(nil)

// New creates a queue on top of an open go-redis client
func New(rdb *redis.Client, config Config, logger *slog.Logger) *Queue {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	timeout := config.VisibilityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Queue{
		rdb:               rdb,
		logger:            logger,
		visibilityTimeout: timeout,
		now:               time.Now,
		pendingKey:        fmt.Sprintf("%s:queue:pending", prefix),
		inflightKey:       fmt.Sprintf("%s:queue:inflight", prefix),
		receiptsKey:       fmt.Sprintf("%s:queue:receipts", prefix),
		deliveriesKey:     fmt.Sprintf("%s:queue:deliveries", prefix),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.pendingKey, jobID).Err(); err != nil {
		return domain.NewQueueError("enqueue", err)
	}

	q.logger.Debug("Job reference enqueued",
		slog.String("job_id", jobID),
		slog.String("queue", q.pendingKey),
	)
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	receipt := uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.pendingKey, q.inflightKey, q.receiptsKey, q.deliveriesKey},
		now.UnixMilli(), now.Add(q.visibilityTimeout).UnixMilli(), receipt,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, domain.NewQueueError("dequeue", err)
	}
	if len(res) != 2 {
		return nil, domain.NewQueueError("dequeue", fmt.Errorf("unexpected script reply %v", res))
	}

	jobID, _ := res[0].(string)
	deliveries, _ := res[1].(int64)

	return &queue.Delivery{
		JobID:       jobID,
		Receipt:     receipt,
		Redelivered: deliveries > 1,
	}, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	err := ackScript.Run(ctx, q.rdb,
		[]string{q.inflightKey, q.receiptsKey, q.deliveriesKey},
		d.Receipt,
	).Err()
	if err != nil {
		return domain.NewQueueError("ack", err)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, d *queue.Delivery) error {
	err := nackScript.Run(ctx, q.rdb,
		[]string{q.pendingKey, q.inflightKey, q.receiptsKey},
		d.Receipt,
	).Err()
	if err != nil {
		return domain.NewQueueError("nack", err)
	}
	return nil
}

func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	moved, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.pendingKey, q.inflightKey, q.receiptsKey},
		q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, domain.NewQueueError("reclaim", err)
	}

	if moved > 0 {
		q.logger.Info("Reclaimed expired job references",
			slog.Int("count", moved),
			slog.String("queue", q.pendingKey),
		)
	}
	return moved, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return domain.NewQueueError("ping", err)
	}
	return nil
}

// Close is a no-op; the redis client is owned by the caller
func (q *Queue) Close() error {
	return nil
}

// Len returns the number of visible and in-flight references
func (q *Queue) Len(ctx context.Context) (visible, inFlight int64, err error) {
	visible, err = q.rdb.LLen(ctx, q.pendingKey).Result()
	if err != nil {
		return 0, 0, domain.NewQueueError("len", err)
	}
	inFlight, err = q.rdb.ZCard(ctx, q.inflightKey).Result()
	if err != nil {
		return 0, 0, domain.NewQueueError("len", err)
	}
	return visible, inFlight, nil
}
