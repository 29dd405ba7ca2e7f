package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var ErrDatasetNotFound = errors.New("dataset not found")

const datasetColumns = `id, owner_id, COALESCE(name, ''), item_count, created_at, updated_at`

func (s *PostgresStore) CreateDataset(ctx context.Context, d *domain.Dataset) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datasets (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, d.ID, d.OwnerID, nullIfEmpty(d.Name), now)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id string) (*domain.Dataset, error) {
	d, err := scanDataset(s.pool.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

// GetOrCreateNamedDataset returns the owner's dataset with the given name,
// creating it when absent. A concurrent creator wins the unique constraint
// race; the loser reads the winner's row.
func (s *PostgresStore) GetOrCreateNamedDataset(ctx context.Context, ownerID, name string) (*domain.Dataset, bool, error) {
	now := time.Now().UTC()
	d, err := scanDataset(s.pool.QueryRow(ctx, `
		INSERT INTO datasets (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (owner_id, name) DO NOTHING
		RETURNING `+datasetColumns, domain.NewID(), ownerID, name, now))
	if err == nil {
		return d, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("create named dataset: %w", err)
	}

	d, err = scanDataset(s.pool.QueryRow(ctx, `
		SELECT `+datasetColumns+` FROM datasets WHERE owner_id = $1 AND name = $2
	`, ownerID, name))
	if err != nil {
		return nil, false, fmt.Errorf("get named dataset: %w", err)
	}
	return d, false, nil
}

// GetOrCreateDefaultDataset resolves the "default" alias for a principal.
func (s *PostgresStore) GetOrCreateDefaultDataset(ctx context.Context, ownerID string) (*domain.Dataset, error) {
	now := time.Now().UTC()
	d, err := scanDataset(s.pool.QueryRow(ctx, `
		INSERT INTO datasets (id, owner_id, name, is_default, created_at, updated_at)
		VALUES ($1, $2, NULL, TRUE, $3, $3)
		ON CONFLICT (owner_id) WHERE is_default DO NOTHING
		RETURNING `+datasetColumns, domain.NewID(), ownerID, now))
	if err == nil {
		return d, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("create default dataset: %w", err)
	}

	d, err = scanDataset(s.pool.QueryRow(ctx, `
		SELECT `+datasetColumns+` FROM datasets WHERE owner_id = $1 AND is_default
	`, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get default dataset: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDatasets(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Dataset, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count datasets: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+datasetColumns+` FROM datasets
		WHERE owner_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Dataset, 0, limit)
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list datasets rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) DeleteDataset(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	return nil
}

// AppendDatasetItems reserves the next n item indices under a row lock,
// invokes write with the base index, and advances item_count only when write
// succeeds. A failed write rolls back, so partially-written ranges are never
// exposed through item_count.
func (s *PostgresStore) AppendDatasetItems(ctx context.Context, id string, n int, write func(ctx context.Context, base int64) error) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dataset append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var base int64
	err = tx.QueryRow(ctx, `SELECT item_count FROM datasets WHERE id = $1 FOR UPDATE`, id).Scan(&base)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("lock dataset row: %w", err)
	}

	if err := write(ctx, base); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE datasets SET item_count = item_count + $2, updated_at = $3 WHERE id = $1
	`, id, n, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("advance item count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dataset append tx: %w", err)
	}
	return base, nil
}

func scanDataset(scanner rowScanner) (*domain.Dataset, error) {
	var d domain.Dataset
	err := scanner.Scan(&d.ID, &d.OwnerID, &d.Name, &d.ItemCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
