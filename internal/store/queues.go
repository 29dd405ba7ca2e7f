package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var ErrQueueNotFound = errors.New("request queue not found")

const queueColumns = `id, owner_id, COALESCE(name, ''), total_request_count, handled_request_count,
	pending_request_count, had_multiple_clients, created_at, updated_at`

func (s *PostgresStore) CreateRequestQueue(ctx context.Context, q *domain.RequestQueue) error {
	now := time.Now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_queues (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, q.ID, q.OwnerID, nullIfEmpty(q.Name), now)
	if err != nil {
		return fmt.Errorf("create request queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequestQueue(ctx context.Context, id string) (*domain.RequestQueue, error) {
	q, err := scanRequestQueue(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM request_queues WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request queue: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) GetOrCreateNamedRequestQueue(ctx context.Context, ownerID, name string) (*domain.RequestQueue, bool, error) {
	now := time.Now().UTC()
	q, err := scanRequestQueue(s.pool.QueryRow(ctx, `
		INSERT INTO request_queues (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (owner_id, name) DO NOTHING
		RETURNING `+queueColumns, domain.NewID(), ownerID, name, now))
	if err == nil {
		return q, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("create named request queue: %w", err)
	}

	q, err = scanRequestQueue(s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM request_queues WHERE owner_id = $1 AND name = $2
	`, ownerID, name))
	if err != nil {
		return nil, false, fmt.Errorf("get named request queue: %w", err)
	}
	return q, false, nil
}

func (s *PostgresStore) GetOrCreateDefaultRequestQueue(ctx context.Context, ownerID string) (*domain.RequestQueue, error) {
	now := time.Now().UTC()
	q, err := scanRequestQueue(s.pool.QueryRow(ctx, `
		INSERT INTO request_queues (id, owner_id, name, is_default, created_at, updated_at)
		VALUES ($1, $2, NULL, TRUE, $3, $3)
		ON CONFLICT (owner_id) WHERE is_default DO NOTHING
		RETURNING `+queueColumns, domain.NewID(), ownerID, now))
	if err == nil {
		return q, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("create default request queue: %w", err)
	}

	q, err = scanRequestQueue(s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM request_queues WHERE owner_id = $1 AND is_default
	`, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get default request queue: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) ListRequestQueues(ctx context.Context, ownerID string, limit, offset int) ([]*domain.RequestQueue, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_queues WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count request queues: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM request_queues
		WHERE owner_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list request queues: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.RequestQueue, 0, limit)
	for rows.Next() {
		q, err := scanRequestQueue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request queue: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list request queues rows: %w", err)
	}
	return out, total, nil
}

// DeleteRequestQueue removes the queue row; request rows cascade.
func (s *PostgresStore) DeleteRequestQueue(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM request_queues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request queue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	return nil
}

// MarkQueueHadMultipleClients sets the sticky flag; it never reverts.
func (s *PostgresStore) MarkQueueHadMultipleClients(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE request_queues SET had_multiple_clients = TRUE, updated_at = $2
		WHERE id = $1 AND NOT had_multiple_clients
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark queue had multiple clients: %w", err)
	}
	return nil
}

func scanRequestQueue(scanner rowScanner) (*domain.RequestQueue, error) {
	var q domain.RequestQueue
	err := scanner.Scan(
		&q.ID, &q.OwnerID, &q.Name, &q.TotalRequestCount, &q.HandledRequestCount,
		&q.PendingRequestCount, &q.HadMultipleClients, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}
