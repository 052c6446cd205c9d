package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Queue on a redis instance: a ready list for deliverable
// message ids, a sorted set of in-flight ids scored by their visibility
// deadline, and one hash per message. Expired in-flight entries move back to
// the ready list on the next receive, which is what makes delivery
// at-least-once.
type Redis struct {
	rdb  *redis.Client
	name string
}

func NewRedis(rdb *redis.Client, name string) *Redis {
	return &Redis{rdb: rdb, name: name}
}

func (q *Redis) readyKey() string    { return "queue:" + q.name + ":ready" }
func (q *Redis) inflightKey() string { return "queue:" + q.name + ":inflight" }
func (q *Redis) msgKey(id string) string {
	return "queue:" + q.name + ":msg:" + id
}

func (q *Redis) Send(ctx context.Context, body []byte, correlationID string) error {
	id := uuid.NewString()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id), "body", body, "corr", correlationID, "rc", 0)
	pipe.RPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue send: %w", err)
	}
	return nil
}

func (q *Redis) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := q.reclaimExpired(ctx); err != nil {
			return nil, err
		}
		msgs, err := q.popReady(ctx, max, visibility)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// reclaimExpired requeues in-flight messages whose visibility window has
// passed. ZRem decides the winner if two consumers reclaim concurrently.
func (q *Redis) reclaimExpired(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue reclaim: %w", err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.inflightKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.readyKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) popReady(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	ids, err := q.rdb.LPopCount(ctx, q.readyKey(), max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}

	visDeadline := float64(time.Now().Add(visibility).UnixMilli())
	var out []Message
	for _, id := range ids {
		rc, err := q.rdb.HIncrBy(ctx, q.msgKey(id), "rc", 1).Result()
		if err != nil {
			return nil, err
		}
		fields, err := q.rdb.HGetAll(ctx, q.msgKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// Deleted between pop and read; drop it.
			continue
		}
		if err := q.rdb.ZAdd(ctx, q.inflightKey(), redis.Z{Score: visDeadline, Member: id}).Err(); err != nil {
			return nil, err
		}
		out = append(out, Message{
			ID:            id,
			Body:          []byte(fields["body"]),
			CorrelationID: fields["corr"],
			ReceiveCount:  int(rc),
			ReceiptHandle: id,
		})
	}
	return out, nil
}

func (q *Redis) Delete(ctx context.Context, receiptHandle string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), receiptHandle)
	pipe.LRem(ctx, q.readyKey(), 0, receiptHandle)
	pipe.Del(ctx, q.msgKey(receiptHandle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	return nil
}
