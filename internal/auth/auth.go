// Package auth resolves bearer tokens to principals. The user-management
// surface (registration, key issuance) is an external collaborator; the
// core only verifies and passes an opaque Principal through.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
)

// APIKeyPrefix marks long-lived API keys on the wire.
const APIKeyPrefix = "cp_"

var ErrUnauthenticated = errors.New("unauthenticated")

type contextKey struct{}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(contextKey{}).(*domain.Principal)
	return p
}

// WithPrincipal attaches a principal to the context; tests use it to skip
// the middleware.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// KeyStore resolves long-lived API keys from the credentials tables.
type KeyStore interface {
	GetPrincipalByAPIKeyHash(ctx context.Context, tokenHash string) (*domain.Principal, error)
}

// RunTokenResolver resolves short-lived per-run tokens.
type RunTokenResolver interface {
	ResolveRunToken(ctx context.Context, token string) (*coord.RunToken, error)
}

// Verifier resolves every accepted token shape: static config keys,
// database-backed API keys, and per-run tokens.
type Verifier struct {
	static map[string]*domain.Principal
	keys   KeyStore
	runs   RunTokenResolver
}

func NewVerifier(keys KeyStore, runs RunTokenResolver) *Verifier {
	return &Verifier{
		static: make(map[string]*domain.Principal),
		keys:   keys,
		runs:   runs,
	}
}

// AddStaticKey registers a config-file API key.
func (v *Verifier) AddStaticKey(token string, p *domain.Principal) {
	v.static[token] = p
}

// Verify resolves a bearer token to a principal.
func (v *Verifier) Verify(ctx context.Context, token string) (*domain.Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	if p, ok := v.static[token]; ok {
		cp := *p
		return &cp, nil
	}

	if strings.HasPrefix(token, coord.RunTokenPrefix) && v.runs != nil {
		rt, err := v.runs.ResolveRunToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if rt != nil {
			return &domain.Principal{ID: rt.PrincipalID, RunID: rt.RunID}, nil
		}
		return nil, ErrUnauthenticated
	}

	if strings.HasPrefix(token, APIKeyPrefix) && v.keys != nil {
		p, err := v.keys.GetPrincipalByAPIKeyHash(ctx, HashToken(token))
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	return nil, ErrUnauthenticated
}

// HashToken returns the hex SHA-256 of a token; only hashes are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for browser streaming contexts.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates every request and attaches the principal to the
// request context.
func (v *Verifier) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
