package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var ErrKeyValueStoreNotFound = errors.New("key-value store not found")

const kvColumns = `id, owner_id, COALESCE(name, ''), created_at, updated_at`

func (s *PostgresStore) CreateKeyValueStore(ctx context.Context, kv *domain.KeyValueStore) error {
	now := time.Now().UTC()
	kv.CreatedAt, kv.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO key_value_stores (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, kv.ID, kv.OwnerID, nullIfEmpty(kv.Name), now)
	if err != nil {
		return fmt.Errorf("create key-value store: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeyValueStore(ctx context.Context, id string) (*domain.KeyValueStore, error) {
	kv, err := scanKeyValueStore(s.pool.QueryRow(ctx, `SELECT `+kvColumns+` FROM key_value_stores WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrKeyValueStoreNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get key-value store: %w", err)
	}
	return kv, nil
}

func (s *PostgresStore) GetOrCreateNamedKeyValueStore(ctx context.Context, ownerID, name string) (*domain.KeyValueStore, bool, error) {
	now := time.Now().UTC()
	kv, err := scanKeyValueStore(s.pool.QueryRow(ctx, `
		INSERT INTO key_value_stores (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (owner_id, name) DO NOTHING
		RETURNING `+kvColumns, domain.NewID(), ownerID, name, now))
	if err == nil {
		return kv, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("create named key-value store: %w", err)
	}

	kv, err = scanKeyValueStore(s.pool.QueryRow(ctx, `
		SELECT `+kvColumns+` FROM key_value_stores WHERE owner_id = $1 AND name = $2
	`, ownerID, name))
	if err != nil {
		return nil, false, fmt.Errorf("get named key-value store: %w", err)
	}
	return kv, false, nil
}

func (s *PostgresStore) GetOrCreateDefaultKeyValueStore(ctx context.Context, ownerID string) (*domain.KeyValueStore, error) {
	now := time.Now().UTC()
	kv, err := scanKeyValueStore(s.pool.QueryRow(ctx, `
		INSERT INTO key_value_stores (id, owner_id, name, is_default, created_at, updated_at)
		VALUES ($1, $2, NULL, TRUE, $3, $3)
		ON CONFLICT (owner_id) WHERE is_default DO NOTHING
		RETURNING `+kvColumns, domain.NewID(), ownerID, now))
	if err == nil {
		return kv, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("create default key-value store: %w", err)
	}

	kv, err = scanKeyValueStore(s.pool.QueryRow(ctx, `
		SELECT `+kvColumns+` FROM key_value_stores WHERE owner_id = $1 AND is_default
	`, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get default key-value store: %w", err)
	}
	return kv, nil
}

func (s *PostgresStore) ListKeyValueStores(ctx context.Context, ownerID string, limit, offset int) ([]*domain.KeyValueStore, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM key_value_stores WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count key-value stores: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+kvColumns+` FROM key_value_stores
		WHERE owner_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list key-value stores: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.KeyValueStore, 0, limit)
	for rows.Next() {
		kv, err := scanKeyValueStore(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan key-value store: %w", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list key-value stores rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) TouchKeyValueStore(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE key_value_stores SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch key-value store: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteKeyValueStore(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM key_value_stores WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete key-value store: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrKeyValueStoreNotFound, id)
	}
	return nil
}

func scanKeyValueStore(scanner rowScanner) (*domain.KeyValueStore, error) {
	var kv domain.KeyValueStore
	err := scanner.Scan(&kv.ID, &kv.OwnerID, &kv.Name, &kv.CreatedAt, &kv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &kv, nil
}
