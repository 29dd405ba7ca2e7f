package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var ErrRequestNotFound = errors.New("request not found")

const requestColumns = `id, queue_id, unique_key, url, method, payload, headers, user_data,
	retry_count, no_retry, error_messages, handled_at, order_no, locked_until, locked_by,
	created_at, updated_at`

// AddResult describes the outcome of inserting one request.
type AddResult struct {
	Request           *domain.Request
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// InsertRequest adds one request to the queue, deduplicating on
// (queue_id, unique_key). The order number is drawn from the queue's
// monotonic counter inside the same transaction as the insert; forefront
// requests get the negated counter so they sort before any FIFO request and
// later forefront insertions sort first. Counters are only advanced when a
// row is actually inserted.
func (s *PostgresStore) InsertRequest(ctx context.Context, req *domain.Request, forefront bool) (*AddResult, error) {
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now

	headers, userData, errorMessages, err := marshalRequestJSON(req)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add request tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Fast path: the unique key already exists.
	existing, err := scanRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE queue_id = $1 AND unique_key = $2
	`, req.QueueID, req.UniqueKey))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit add request tx: %w", err)
		}
		return &AddResult{
			Request:           existing,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.HandledAt != nil,
		}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("lookup request by unique key: %w", err)
	}

	var counter int64
	err = tx.QueryRow(ctx, `
		UPDATE request_queues SET order_counter = order_counter + 1 WHERE id = $1
		RETURNING order_counter
	`, req.QueueID).Scan(&counter)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, req.QueueID)
	}
	if err != nil {
		return nil, fmt.Errorf("advance order counter: %w", err)
	}

	req.OrderNo = counter
	if forefront {
		req.OrderNo = -counter
	}

	inserted, err := scanRequest(tx.QueryRow(ctx, `
		INSERT INTO requests (id, queue_id, unique_key, url, method, payload, headers, user_data,
			retry_count, no_retry, error_messages, order_no, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (queue_id, unique_key) DO NOTHING
		RETURNING `+requestColumns,
		req.ID, req.QueueID, req.UniqueKey, req.URL, req.Method, nullIfEmpty(req.Payload),
		headers, userData, req.RetryCount, req.NoRetry, errorMessages, req.OrderNo, now))
	if err == pgx.ErrNoRows {
		// Lost the race to a concurrent insert of the same unique key.
		existing, err := scanRequest(tx.QueryRow(ctx, `
			SELECT `+requestColumns+` FROM requests WHERE queue_id = $1 AND unique_key = $2
		`, req.QueueID, req.UniqueKey))
		if err != nil {
			return nil, fmt.Errorf("lookup request after conflict: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit add request tx: %w", err)
		}
		return &AddResult{
			Request:           existing,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.HandledAt != nil,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	// Counter invariant: total and pending move together in the insert tx.
	if _, err := tx.Exec(ctx, `
		UPDATE request_queues SET
			total_request_count = total_request_count + 1,
			pending_request_count = pending_request_count + 1,
			updated_at = $2
		WHERE id = $1
	`, req.QueueID, now); err != nil {
		return nil, fmt.Errorf("update queue counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add request tx: %w", err)
	}
	return &AddResult{Request: inserted}, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, queueID, id string) (*domain.Request, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE queue_id = $1 AND id = $2
	`, queueID, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListPendingRequests returns unhandled requests in order-number order. It
// is the source of truth the coordination store's pending set is rebuilt
// from when the set is cold.
func (s *PostgresStore) ListPendingRequests(ctx context.Context, queueID string, limit int) ([]*domain.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE queue_id = $1 AND handled_at IS NULL
		ORDER BY order_no ASC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// RequestPatch is the set of fields UpdateRequest may change.
type RequestPatch struct {
	RetryCount    *int
	NoRetry       *bool
	ErrorMessages []string
	UserData      map[string]any
	HandledAt     *time.Time
}

// UpdateRequest applies the patch. When the patch transitions handled_at
// from null to a value the queue counters move inside the same transaction,
// preserving pending = total - handled at every instant.
func (s *PostgresStore) UpdateRequest(ctx context.Context, queueID, id string, patch RequestPatch) (*domain.Request, bool, error) {
	now := time.Now().UTC()

	var errorMessages, userData []byte
	var err error
	if patch.ErrorMessages != nil {
		if errorMessages, err = json.Marshal(patch.ErrorMessages); err != nil {
			return nil, false, fmt.Errorf("marshal error messages: %w", err)
		}
	}
	if patch.UserData != nil {
		if userData, err = json.Marshal(patch.UserData); err != nil {
			return nil, false, fmt.Errorf("marshal user data: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin update request tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE queue_id = $1 AND id = $2 FOR UPDATE
	`, queueID, id))
	if err == pgx.ErrNoRows {
		return nil, false, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock request row: %w", err)
	}

	newlyHandled := patch.HandledAt != nil && current.HandledAt == nil

	updated, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE requests SET
			retry_count = COALESCE($3, retry_count),
			no_retry = COALESCE($4, no_retry),
			error_messages = COALESCE($5, error_messages),
			user_data = COALESCE($6, user_data),
			handled_at = COALESCE($7, handled_at),
			locked_until = NULL,
			locked_by = NULL,
			updated_at = $8
		WHERE queue_id = $1 AND id = $2
		RETURNING `+requestColumns,
		queueID, id, patch.RetryCount, patch.NoRetry, errorMessages, userData, patch.HandledAt, now))
	if err != nil {
		return nil, false, fmt.Errorf("update request: %w", err)
	}

	if newlyHandled {
		if _, err := tx.Exec(ctx, `
			UPDATE request_queues SET
				handled_request_count = handled_request_count + 1,
				pending_request_count = pending_request_count - 1,
				updated_at = $2
			WHERE id = $1
		`, queueID, now); err != nil {
			return nil, false, fmt.Errorf("update queue counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit update request tx: %w", err)
	}
	return updated, newlyHandled, nil
}

// MirrorRequestLock writes the row copy of a coordination-store lease. The
// row is best-effort: acquisition always consults the coordination store.
func (s *PostgresStore) MirrorRequestLock(ctx context.Context, queueID, id, lockedBy string, lockedUntil *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE requests SET locked_by = $3, locked_until = $4, updated_at = $5
		WHERE queue_id = $1 AND id = $2
	`, queueID, id, nullIfEmpty(lockedBy), lockedUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mirror request lock: %w", err)
	}
	return nil
}

func marshalRequestJSON(req *domain.Request) (headers, userData, errorMessages []byte, err error) {
	if req.Headers != nil {
		if headers, err = json.Marshal(req.Headers); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal headers: %w", err)
		}
	}
	if req.UserData != nil {
		if userData, err = json.Marshal(req.UserData); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal user data: %w", err)
		}
	}
	if req.ErrorMessages != nil {
		if errorMessages, err = json.Marshal(req.ErrorMessages); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal error messages: %w", err)
		}
	}
	return headers, userData, errorMessages, nil
}

func collectRequests(rows pgx.Rows) ([]*domain.Request, error) {
	var out []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requests rows: %w", err)
	}
	return out, nil
}

func scanRequest(scanner rowScanner) (*domain.Request, error) {
	var req domain.Request
	var payload, lockedBy *string
	var headers, userData, errorMessages []byte
	err := scanner.Scan(
		&req.ID, &req.QueueID, &req.UniqueKey, &req.URL, &req.Method, &payload, &headers, &userData,
		&req.RetryCount, &req.NoRetry, &errorMessages, &req.HandledAt, &req.OrderNo,
		&req.LockedUntil, &lockedBy, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Payload = *payload
	}
	if lockedBy != nil {
		req.LockedBy = *lockedBy
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &req.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(userData) > 0 {
		if err := json.Unmarshal(userData, &req.UserData); err != nil {
			return nil, fmt.Errorf("unmarshal user data: %w", err)
		}
	}
	if len(errorMessages) > 0 {
		if err := json.Unmarshal(errorMessages, &req.ErrorMessages); err != nil {
			return nil, fmt.Errorf("unmarshal error messages: %w", err)
		}
	}
	return &req, nil
}
