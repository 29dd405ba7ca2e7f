// Package service implements the core platform services consumed by the
// HTTP surface and the orchestrator: actors, runs, datasets, key-value
// stores, and the request-queue engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrLockedByOther is returned when an update names a request that a
	// different client key currently holds.
	ErrLockedByOther = errors.New("request locked by another client")

	// ErrPartialWrite is returned when a dataset push failed part way; no
	// state was advanced and no partial range is visible.
	ErrPartialWrite = errors.New("partial dataset write")

	// ErrDependencyUnavailable is raised after a blob-store write or delete
	// kept failing past the single retry.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

const retryBackoff = 100 * time.Millisecond

// withRetry runs op, retrying exactly once after a short backoff, then
// re-raises the failure as ErrDependencyUnavailable. Infrastructure
// blips get one second chance; persistent outages surface fast.
func withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff):
	}
	if err = op(); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return nil
}
