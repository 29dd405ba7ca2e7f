package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AddPending records a request in the queue's pending sorted set, scored by
// its order number so head reads walk ascending order.
func (s *Store) AddPending(ctx context.Context, queueID, requestID string, orderNo int64) error {
	err := s.client.ZAdd(ctx, pendingKey(queueID), redis.Z{
		Score:  float64(orderNo),
		Member: requestID,
	}).Err()
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

// RemovePending drops a handled (or deleted) request from the pending set.
func (s *Store) RemovePending(ctx context.Context, queueID, requestID string) error {
	if err := s.client.ZRem(ctx, pendingKey(queueID), requestID).Err(); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

// PendingHead returns up to limit pending request ids in ascending order-
// number order, starting at offset.
func (s *Store) PendingHead(ctx context.Context, queueID string, offset, limit int64) ([]string, error) {
	ids, err := s.client.ZRange(ctx, pendingKey(queueID), offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("pending head: %w", err)
	}
	return ids, nil
}

// PendingCount returns the size of the pending set.
func (s *Store) PendingCount(ctx context.Context, queueID string) (int64, error) {
	n, err := s.client.ZCard(ctx, pendingKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// DropQueue removes all coordination state for a deleted queue.
func (s *Store) DropQueue(ctx context.Context, queueID string) error {
	keys := []string{pendingKey(queueID), clientsKey(queueID)}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drop queue coordination state: %w", err)
	}
	// Lock keys expire on their own TTLs.
	return nil
}
