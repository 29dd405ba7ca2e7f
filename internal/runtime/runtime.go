// Package runtime defines the container-runtime contract the orchestrator
// drives. The Docker daemon is the reference implementation; tests use the
// fake.
package runtime

import (
	"context"
	"time"
)

// Spec describes one container execution.
type Spec struct {
	// RunID names the container so Stop can find it later.
	RunID string
	Image string
	// Env is the injected environment block; names are part of the
	// platform's external contract.
	Env          map[string]string
	MemoryMbytes int
	// StorageDir is the host directory mounted as the actor's local
	// storage root.
	StorageDir string
}

// LogLine is one demultiplexed line of container output.
type LogLine struct {
	Text   string
	Stderr bool
}

// Runtime executes actor containers.
type Runtime interface {
	// Execute runs the container to completion, streaming demultiplexed
	// output lines to onLine as they appear, and returns the exit code.
	// It blocks until the container stops; cancelling ctx stops the
	// container and returns its exit code.
	Execute(ctx context.Context, spec Spec, onLine func(LogLine)) (int, error)

	// Stop asks the run's container to stop, allowing grace for a clean
	// shutdown before the runtime escalates to a kill.
	Stop(ctx context.Context, runID string, grace time.Duration) error

	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error
}
