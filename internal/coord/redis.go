// Package coord wraps the ephemeral coordination store (Redis): request
// lease locks, per-queue pending sets, run-token lookups, and the run:new
// dispatch notification channel. Leases here are authoritative; the rows in
// the metadata store only mirror them.
package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "cp:"
	runNewChannel     = keyPrefix + "run:new"
	pendingKeyFormat  = keyPrefix + "queue:%s:pending"
	lockKeyFormat     = keyPrefix + "queue:%s:lock:%s"
	clientsKeyFormat  = keyPrefix + "queue:%s:clients"
	runTokenKeyFormat = keyPrefix + "run:token:%s"
)

// Store is the coordination store client.
type Store struct {
	client *redis.Client
}

func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client; tests hand in their own.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for direct access.
func (s *Store) Client() *redis.Client {
	return s.client
}

func pendingKey(queueID string) string {
	return fmt.Sprintf(pendingKeyFormat, queueID)
}

func lockKey(queueID, requestID string) string {
	return fmt.Sprintf(lockKeyFormat, queueID, requestID)
}

func clientsKey(queueID string) string {
	return fmt.Sprintf(clientsKeyFormat, queueID)
}

func runTokenKey(token string) string {
	return fmt.Sprintf(runTokenKeyFormat, token)
}
