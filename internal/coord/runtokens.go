package coord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunTokenPrefix marks short-lived per-run tokens on the wire.
const RunTokenPrefix = "cp_run_"

// RunToken identifies a live run to the API: containers authenticate with
// it instead of the owner's long-lived key.
type RunToken struct {
	RunID       string `json:"run_id"`
	PrincipalID string `json:"principal_id"`
}

// IssueRunToken mints a fresh token for the run, valid for ttl.
func (s *Store) IssueRunToken(ctx context.Context, runID, principalID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate run token: %w", err)
	}
	token := RunTokenPrefix + hex.EncodeToString(buf)

	data, err := json.Marshal(RunToken{RunID: runID, PrincipalID: principalID})
	if err != nil {
		return "", fmt.Errorf("marshal run token: %w", err)
	}
	if err := s.client.Set(ctx, runTokenKey(token), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("store run token: %w", err)
	}
	return token, nil
}

// ResolveRunToken returns the run identity behind a token, or nil when the
// token is unknown or expired.
func (s *Store) ResolveRunToken(ctx context.Context, token string) (*RunToken, error) {
	data, err := s.client.Get(ctx, runTokenKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve run token: %w", err)
	}
	var rt RunToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("unmarshal run token: %w", err)
	}
	return &rt, nil
}

// RevokeRunToken deletes a token before its TTL.
func (s *Store) RevokeRunToken(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, runTokenKey(token)).Err(); err != nil {
		return fmt.Errorf("revoke run token: %w", err)
	}
	return nil
}
