// Package orchestrator drives runs through their state machine: a pool of
// workers claims pending runs with a skip-locked read, launches containers,
// enforces timeouts, observes aborts, and reaps orphans. At most one worker
// ever drives a given run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/logs"
	"github.com/crawlpoint/crawlpoint/internal/metrics"
	"github.com/crawlpoint/crawlpoint/internal/runtime"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

// Store is the metadata access the orchestrator needs.
type Store interface {
	ClaimPendingRun(ctx context.Context, workerID string) (*domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	GetActor(ctx context.Context, id string) (*domain.Actor, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, statusMessage *string, exitCode *int) (*domain.Run, error)
	FailOrphanedRuns(ctx context.Context, grace time.Duration) ([]string, error)
}

// TokenIssuer mints the short-lived per-run API tokens.
type TokenIssuer interface {
	IssueRunToken(ctx context.Context, runID, principalID string, ttl time.Duration) (string, error)
}

// Config configures the worker pool.
type Config struct {
	Workers           int
	MaxConcurrentRuns int
	PollInterval      time.Duration
	JanitorInterval   time.Duration
	OrphanGrace       time.Duration
	// StopGrace is the window a stopping container gets before the
	// runtime escalates to a kill.
	StopGrace time.Duration
	// AbortCheckInterval is how often a driver re-reads its run row to
	// observe external aborts.
	AbortCheckInterval time.Duration

	BaseURL    string
	StorageDir string
}

const (
	defaultWorkers            = 4
	defaultPollInterval       = time.Second
	defaultJanitorInterval    = 30 * time.Second
	defaultOrphanGrace        = 60 * time.Second
	defaultStopGrace          = 10 * time.Second
	defaultAbortCheckInterval = time.Second
)

// Orchestrator runs the dispatch workers and the janitor.
type Orchestrator struct {
	store    Store
	runtime  runtime.Runtime
	ring     logs.Ring
	notifier coord.Notifier
	tokens   TokenIssuer
	cfg      Config

	active  atomic.Int32
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func New(s Store, rt runtime.Runtime, ring logs.Ring, notifier coord.Notifier, tokens TokenIssuer, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = cfg.Workers * 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = defaultOrphanGrace
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.AbortCheckInterval <= 0 {
		cfg.AbortCheckInterval = defaultAbortCheckInterval
	}
	return &Orchestrator{
		store:    s,
		runtime:  rt,
		ring:     ring,
		notifier: notifier,
		tokens:   tokens,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches worker and janitor goroutines.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.wg.Add(1)
	go o.janitor()

	logging.Op().Info("orchestrator started",
		"workers", o.cfg.Workers,
		"max_concurrent_runs", o.cfg.MaxConcurrentRuns,
		"poll_interval", o.cfg.PollInterval,
	)
}

// Stop shuts down the workers. Live drivers finish their runs.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	logging.Op().Info("orchestrator stopped")
}

// worker repeatedly claims one pending run: it wakes on a run:new
// notification or the poll tick, whichever comes first.
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCh := o.notifier.Subscribe(ctx)

	workerID := fmt.Sprintf("worker-%d-%s", id, uuid.New().String()[:8])
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.claimLoop(workerID)
		case <-notifyCh:
			o.claimLoop(workerID)
		}
	}
}

// claimLoop claims and launches runs until the pending set drains or the
// concurrency cap is reached.
func (o *Orchestrator) claimLoop(workerID string) {
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		if int(o.active.Load()) >= o.cfg.MaxConcurrentRuns {
			return
		}

		run, err := o.store.ClaimPendingRun(context.Background(), workerID)
		if err != nil {
			logging.Op().Error("claim pending run failed", "worker", workerID, "error", err)
			return
		}
		if run == nil {
			return
		}

		o.active.Add(1)
		metrics.SetActiveRuns(int(o.active.Load()))
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				o.active.Add(-1)
				metrics.SetActiveRuns(int(o.active.Load()))
			}()
			o.drive(run, workerID)
		}()
	}
}

// janitor reaps RUNNING runs whose driver died: past
// startedAt + timeout + grace they are forced to FAILED/"orphaned".
func (o *Orchestrator) janitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ids, err := o.store.FailOrphanedRuns(context.Background(), o.cfg.OrphanGrace)
			if err != nil {
				logging.Op().Error("orphan sweep failed", "error", err)
				continue
			}
			for _, id := range ids {
				logging.Op().Warn("orphaned run reaped", "run", id)
				metrics.RunFinished(string(domain.RunStatusFailed))
			}
		}
	}
}

// drive owns one claimed run: container launch, log streaming, timeout
// race, abort observation, and the terminal status update.
func (o *Orchestrator) drive(run *domain.Run, workerID string) {
	started := time.Now().UTC()
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	timeoutAt := started.Add(time.Duration(run.TimeoutSecs) * time.Second)

	logging.Op().Info("run dispatched", "run", run.ID, "actor", run.ActorID, "worker", workerID)
	metrics.ObserveDispatchLatency(started.Sub(run.CreatedAt))

	token, err := o.tokens.IssueRunToken(context.Background(), run.ID, run.PrincipalID, time.Until(timeoutAt)+24*time.Hour)
	if err != nil {
		logging.Op().Error("issue run token failed", "run", run.ID, "error", err)
		token = ""
	}

	execCtx, cancel := context.WithDeadline(context.Background(), timeoutAt)
	defer cancel()

	// Observe external aborts: the driver discovers them by re-reading the
	// status field, then stops the container through the runtime.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go o.watchAbort(execCtx, cancel, run.ID, watchDone)

	spec := runtime.Spec{
		RunID:        run.ID,
		Image:        o.imageFor(run),
		Env:          buildEnv(run, token, o.cfg.BaseURL, runtime.ContainerStoragePath, timeoutAt),
		MemoryMbytes: run.MemoryMbytes,
		StorageDir:   o.storageDirFor(run),
	}

	var lastStderr atomic.Pointer[string]
	exitCode, execErr := o.runtime.Execute(execCtx, spec, func(line runtime.LogLine) {
		entry := logs.EntryFromLine(line.Text, line.Stderr)
		if line.Stderr {
			text := line.Text
			lastStderr.Store(&text)
		}
		if err := o.ring.Append(context.Background(), run.ID, entry); err != nil {
			logging.Op().Warn("log append failed", "run", run.ID, "error", err)
			return
		}
		metrics.LogEntryAppended()
	})

	timedOut := execCtx.Err() == context.DeadlineExceeded

	if execErr != nil && !timedOut {
		logging.Op().Error("container execution failed", "run", run.ID, "error", execErr)
		o.finish(run.ID, domain.RunStatusFailed, execErr.Error(), exitCode)
		return
	}

	status := domain.StatusForExitCode(exitCode, timedOut)
	message := ""
	switch status {
	case domain.RunStatusTimedOut:
		message = fmt.Sprintf("Run timed out after %d seconds", run.TimeoutSecs)
	case domain.RunStatusFailed:
		if last := lastStderr.Load(); last != nil {
			message = *last
		}
	}
	o.finish(run.ID, status, message, exitCode)
}

// watchAbort cancels the execution context when the run row leaves RUNNING
// underneath the driver (abort, janitor, trusted update).
func (o *Orchestrator) watchAbort(ctx context.Context, cancel context.CancelFunc, runID string, done <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.AbortCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := o.store.GetRun(context.Background(), runID)
			if err != nil {
				logging.Op().Warn("abort watch read failed", "run", runID, "error", err)
				continue
			}
			if current.Status != domain.RunStatusRunning {
				logging.Op().Info("run no longer RUNNING, stopping container", "run", runID, "status", current.Status)
				if err := o.runtime.Stop(context.Background(), runID, o.cfg.StopGrace); err != nil {
					logging.Op().Warn("container stop after abort failed", "run", runID, "error", err)
				}
				cancel()
				return
			}
		}
	}
}

// finish applies the terminal transition. A rejected transition means the
// row reached a terminal state through another path (abort, janitor); the
// driver's result is then discarded.
func (o *Orchestrator) finish(runID string, status domain.RunStatus, message string, exitCode int) {
	var msgPtr *string
	if message != "" {
		msgPtr = &message
	}
	_, err := o.store.UpdateRunStatus(context.Background(), runID, status, msgPtr, &exitCode)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logging.Op().Info("run already terminal, driver result discarded", "run", runID, "status", status)
			return
		}
		logging.Op().Error("terminal status update failed", "run", runID, "status", status, "error", err)
		return
	}
	metrics.RunFinished(string(status))
	logging.Op().Info("run finished", "run", runID, "status", status, "exit_code", exitCode)
}

// imageFor resolves the container image for the run. The actor may have
// been deleted after the run was created; the driver then fails the run
// through the normal exit path when the runtime cannot resolve the image.
func (o *Orchestrator) imageFor(run *domain.Run) string {
	actor, err := o.store.GetActor(context.Background(), run.ActorID)
	if err != nil {
		logging.Op().Warn("actor lookup for run failed", "run", run.ID, "actor", run.ActorID, "error", err)
		return ""
	}
	return actor.Image
}

func (o *Orchestrator) storageDirFor(run *domain.Run) string {
	if o.cfg.StorageDir == "" {
		return ""
	}
	return o.cfg.StorageDir + "/" + run.ID
}
