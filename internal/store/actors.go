package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var (
	ErrActorNotFound  = errors.New("actor not found")
	ErrActorNameTaken = errors.New("actor name already taken")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateActor(ctx context.Context, a *domain.Actor) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO actors (id, owner_id, name, title, description, image, default_timeout_secs, default_memory_mbytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.OwnerID, a.Name, a.Title, a.Description, a.Image, a.TimeoutSecs, a.MemoryMbytes, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrActorNameTaken, a.Name)
	}
	if err != nil {
		return fmt.Errorf("create actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActor(ctx context.Context, id string) (*domain.Actor, error) {
	a, err := scanActor(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, title, description, image, default_timeout_secs, default_memory_mbytes, created_at, updated_at
		FROM actors WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetActorByName(ctx context.Context, ownerID, name string) (*domain.Actor, error) {
	a, err := scanActor(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, title, description, image, default_timeout_secs, default_memory_mbytes, created_at, updated_at
		FROM actors WHERE owner_id = $1 AND name = $2
	`, ownerID, name))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get actor by name: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListActors(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Actor, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM actors WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count actors: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, title, description, image, default_timeout_secs, default_memory_mbytes, created_at, updated_at
		FROM actors WHERE owner_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list actors: %w", err)
	}
	defer rows.Close()

	actors := make([]*domain.Actor, 0, limit)
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan actor: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list actors rows: %w", err)
	}
	return actors, total, nil
}

func (s *PostgresStore) UpdateActor(ctx context.Context, a *domain.Actor) error {
	a.UpdatedAt = time.Now().UTC()
	ct, err := s.pool.Exec(ctx, `
		UPDATE actors SET
			name = $2,
			title = $3,
			description = $4,
			image = $5,
			default_timeout_secs = $6,
			default_memory_mbytes = $7,
			updated_at = $8
		WHERE id = $1
	`, a.ID, a.Name, a.Title, a.Description, a.Image, a.TimeoutSecs, a.MemoryMbytes, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrActorNameTaken, a.Name)
	}
	if err != nil {
		return fmt.Errorf("update actor: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrActorNotFound, a.ID)
	}
	return nil
}

// DeleteActor removes the actor row. Runs keep their actor_id reference so
// the audit trail survives; the dangling reference is deliberate.
func (s *PostgresStore) DeleteActor(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(scanner rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	err := scanner.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.Title, &a.Description, &a.Image,
		&a.TimeoutSecs, &a.MemoryMbytes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
