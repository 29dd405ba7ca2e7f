package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var ErrPrincipalNotFound = errors.New("principal not found")

// Principals and api_keys belong to the auth collaborator; the core only
// reads them to resolve bearer tokens.

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (*domain.Principal, error) {
	var p domain.Principal
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM principals WHERE id = $1`, id).Scan(&p.ID, &p.Name)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return &p, nil
}

// GetPrincipalByAPIKeyHash resolves a long-lived API key by its SHA-256
// hash. Returns nil, nil when no key matches.
func (s *PostgresStore) GetPrincipalByAPIKeyHash(ctx context.Context, tokenHash string) (*domain.Principal, error) {
	var p domain.Principal
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.name
		FROM api_keys k
		JOIN principals p ON p.id = k.principal_id
		WHERE k.token_hash = $1
	`, tokenHash).Scan(&p.ID, &p.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get principal by api key: %w", err)
	}
	return &p, nil
}

// EnsurePrincipal upserts a principal row; used to seed static-key
// principals at startup.
func (s *PostgresStore) EnsurePrincipal(ctx context.Context, p *domain.Principal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO principals (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, p.ID, p.Name)
	if err != nil {
		return fmt.Errorf("ensure principal: %w", err)
	}
	return nil
}
