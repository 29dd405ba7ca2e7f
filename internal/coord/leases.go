package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLockOwner is returned when a prolong or release names a clientKey
// that does not hold the lease. An expired lease looks the same to its old
// owner: expiry is silent and the stale key is simply no longer the holder.
var ErrNotLockOwner = errors.New("client does not hold the request lock")

// prolongScript extends a lease only when the caller still owns it.
var prolongScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return -1
`)

// releaseScript deletes a lease only when the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return -1
`)

// AcquireLock attempts the compare-and-set lease acquisition for one
// request: it succeeds only when no unexpired lease exists. Returns whether
// the lock was taken.
func (s *Store) AcquireLock(ctx context.Context, queueID, requestID, clientKey string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(queueID, requestID), clientKey, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// ProlongLock extends the lease to now + ttl when clientKey holds it.
func (s *Store) ProlongLock(ctx context.Context, queueID, requestID, clientKey string, ttl time.Duration) error {
	res, err := prolongScript.Run(ctx, s.client, []string{lockKey(queueID, requestID)}, clientKey, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("prolong lock: %w", err)
	}
	if res < 0 {
		return ErrNotLockOwner
	}
	return nil
}

// ReleaseLock clears the lease when clientKey holds it.
func (s *Store) ReleaseLock(ctx context.Context, queueID, requestID, clientKey string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(queueID, requestID)}, clientKey).Int64()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res < 0 {
		return ErrNotLockOwner
	}
	return nil
}

// LockHolder returns the clientKey currently holding the request lease, or
// "" when the request is unlocked (or the lease expired).
func (s *Store) LockHolder(ctx context.Context, queueID, requestID string) (string, error) {
	holder, err := s.client.Get(ctx, lockKey(queueID, requestID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lock holder: %w", err)
	}
	return holder, nil
}

// DropLock unconditionally removes a lease, regardless of owner. Used when
// the request itself is deleted or handled.
func (s *Store) DropLock(ctx context.Context, queueID, requestID string) error {
	if err := s.client.Del(ctx, lockKey(queueID, requestID)).Err(); err != nil {
		return fmt.Errorf("drop lock: %w", err)
	}
	return nil
}

// ObserveClient records clientKey against the queue and reports how many
// distinct client keys the queue has ever seen. Feeds the sticky
// hadMultipleClients flag.
func (s *Store) ObserveClient(ctx context.Context, queueID, clientKey string) (int64, error) {
	key := clientsKey(queueID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, clientKey)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("observe client: %w", err)
	}
	return card.Val(), nil
}
