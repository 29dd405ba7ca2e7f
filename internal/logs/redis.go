package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const logStreamPrefix = "cp:logs:"

// RedisRing stores each run's log ring in a capped Redis stream. The stream
// doubles as the fan-out channel: subscribers follow it with blocking reads,
// so every subscriber sees appends in order.
type RedisRing struct {
	client *redis.Client
}

func NewRedisRing(client *redis.Client) *RedisRing {
	return &RedisRing{client: client}
}

func streamKey(runID string) string {
	return logStreamPrefix + runID
}

func (r *RedisRing) Append(ctx context.Context, runID string, e Entry) error {
	key := streamKey(runID)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: LogCap,
		Approx: false,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	// TTL counts from the last append.
	r.client.Expire(ctx, key, TTL)
	return nil
}

func (r *RedisRing) Fetch(ctx context.Context, runID string, offset, limit int64) ([]Entry, int64, error) {
	key := streamKey(runID)

	total, err := r.client.XLen(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("xlen: %w", err)
	}
	if offset >= total || limit <= 0 {
		return []Entry{}, total, nil
	}

	messages, err := r.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("xrange: %w", err)
	}

	end := offset + limit
	if end > int64(len(messages)) {
		end = int64(len(messages))
	}

	entries := make([]Entry, 0, end-offset)
	for _, msg := range messages[offset:end] {
		if e, ok := decodeEntry(msg); ok {
			entries = append(entries, e)
		}
	}
	return entries, total, nil
}

func (r *RedisRing) Subscribe(ctx context.Context, runID string) (<-chan Entry, error) {
	key := streamKey(runID)
	ch := make(chan Entry, 100)

	// Replay window: the most recent ReplayCount entries, oldest first,
	// remembering the last replayed stream id so the follow phase starts
	// exactly after it.
	recent, err := r.client.XRevRangeN(ctx, key, "+", "-", ReplayCount).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}

	lastID := "0"
	replay := make([]redis.XMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		replay = append(replay, recent[i])
	}
	if len(replay) > 0 {
		lastID = replay[len(replay)-1].ID
	}

	go func() {
		defer close(ch)

		for _, msg := range replay {
			e, ok := decodeEntry(msg)
			if !ok {
				continue
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   time.Second,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				// Context cancelled or connection lost.
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					e, ok := decodeEntry(msg)
					if !ok {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (r *RedisRing) Drop(ctx context.Context, runID string) error {
	return r.client.Del(ctx, streamKey(runID)).Err()
}

func decodeEntry(msg redis.XMessage) (Entry, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
