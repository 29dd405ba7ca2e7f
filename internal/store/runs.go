package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

const runColumns = `id, actor_id, principal_id, status, status_message, exit_code, claimed_by,
	started_at, finished_at, timeout_secs, memory_mbytes,
	dataset_id, key_value_store_id, request_queue_id, stats, created_at, updated_at`

// CreateRunWithStorages inserts the run row and its three fresh storage rows
// in one transaction so a crash cannot leave a run without handles.
func (s *PostgresStore) CreateRunWithStorages(ctx context.Context, run *domain.Run, ds *domain.Dataset, kv *domain.KeyValueStore, queue *domain.RequestQueue) error {
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	ds.CreatedAt, ds.UpdatedAt = now, now
	kv.CreatedAt, kv.UpdatedAt = now, now
	queue.CreatedAt, queue.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create run tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO datasets (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $3)
	`, ds.ID, ds.OwnerID, now); err != nil {
		return fmt.Errorf("create run dataset: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO key_value_stores (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $3)
	`, kv.ID, kv.OwnerID, now); err != nil {
		return fmt.Errorf("create run key-value store: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO request_queues (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $3)
	`, queue.ID, queue.OwnerID, now); err != nil {
		return fmt.Errorf("create run request queue: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO runs (id, actor_id, principal_id, status, timeout_secs, memory_mbytes,
			dataset_id, key_value_store_id, request_queue_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, run.ID, run.ActorID, run.PrincipalID, string(run.Status), run.TimeoutSecs, run.MemoryMbytes,
		run.DatasetID, run.KeyValueID, run.QueueID, now); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create run tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// RunListFilter narrows ListRuns. Zero values mean "any".
type RunListFilter struct {
	ActorID     string
	PrincipalID string
	Status      domain.RunStatus
	Desc        bool
	Limit       int
	Offset      int
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunListFilter) ([]*domain.Run, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		where += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if f.PrincipalID != "" {
		args = append(args, f.PrincipalID)
		where += fmt.Sprintf(" AND principal_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	order := " ORDER BY created_at ASC"
	if f.Desc {
		order = " ORDER BY created_at DESC"
	}
	args = append(args, f.Limit)
	limitClause := fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, f.Offset)
	limitClause += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs`+where+order+limitClause, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*domain.Run, 0, f.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs rows: %w", err)
	}
	return runs, total, nil
}

// ClaimPendingRun atomically claims one dispatchable run for workerID: the
// oldest READY run, or a resurrected RUNNING run whose driver claim was
// cleared. The skip-locked read is what guarantees at-most-one worker per
// run across a crashable pool.
func (s *PostgresStore) ClaimPendingRun(ctx context.Context, workerID string) (*domain.Run, error) {
	now := time.Now().UTC()
	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = 'RUNNING',
			claimed_by = $1,
			started_at = $2,
			updated_at = $2
		WHERE id = (
			SELECT id FROM runs
			WHERE status = 'READY' OR (status = 'RUNNING' AND claimed_by IS NULL)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+runColumns, workerID, now))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus applies a state-machine transition. finished_at is set
// exactly when the new status is terminal and cleared otherwise. statusMessage
// and exitCode are applied when non-nil.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, statusMessage *string, exitCode *int) (*domain.Run, error) {
	allowedFrom := transitionSources(status)
	if len(allowedFrom) == 0 {
		return nil, fmt.Errorf("%w: no transition leads to %s", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	var finishedAt *time.Time
	if status.IsTerminal() {
		finishedAt = &now
	}

	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = $2,
			status_message = COALESCE($3, status_message),
			exit_code = COALESCE($4, exit_code),
			finished_at = $5,
			updated_at = $6
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+runColumns,
		id, string(status), statusMessage, exitCode, finishedAt, now, allowedFrom))
	if err == pgx.ErrNoRows {
		return nil, s.classifyTransitionFailure(ctx, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return run, nil
}

// AbortRun is the RUNNING -> ABORTED transition. The live driver discovers
// the abort by re-reading the run row and stops the container; its own
// terminal update is then rejected.
func (s *PostgresStore) AbortRun(ctx context.Context, id string) (*domain.Run, error) {
	now := time.Now().UTC()
	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = 'ABORTED',
			status_message = 'Aborted by user',
			finished_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+runColumns, id, now))
	if err == pgx.ErrNoRows {
		return nil, s.classifyTransitionFailure(ctx, id, domain.RunStatusAborted)
	}
	if err != nil {
		return nil, fmt.Errorf("abort run: %w", err)
	}
	return run, nil
}

// ResurrectRun moves a terminal run back to RUNNING, clearing the terminal
// bookkeeping and the driver claim so dispatch relaunches the container
// against the original storage handles.
func (s *PostgresStore) ResurrectRun(ctx context.Context, id string) (*domain.Run, error) {
	now := time.Now().UTC()
	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = 'RUNNING',
			status_message = NULL,
			exit_code = NULL,
			claimed_by = NULL,
			finished_at = NULL,
			updated_at = $2
		WHERE id = $1 AND status IN ('SUCCEEDED', 'FAILED', 'TIMED-OUT', 'ABORTED')
		RETURNING `+runColumns, id, now))
	if err == pgx.ErrNoRows {
		return nil, s.classifyTransitionFailure(ctx, id, domain.RunStatusRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("resurrect run: %w", err)
	}
	return run, nil
}

// FailOrphanedRuns garbage-collects RUNNING runs whose driver died: any run
// whose started_at + timeout + grace has elapsed is forced to FAILED with an
// "orphaned" status message. Returns the ids of the runs it reaped.
func (s *PostgresStore) FailOrphanedRuns(ctx context.Context, grace time.Duration) ([]string, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			status_message = 'orphaned',
			finished_at = $1,
			updated_at = $1
		WHERE status = 'RUNNING'
		  AND claimed_by IS NOT NULL
		  AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_secs) + $2::interval < $1
		RETURNING id
	`, now, grace)
	if err != nil {
		return nil, fmt.Errorf("fail orphaned runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail orphaned runs rows: %w", err)
	}
	return ids, nil
}

func transitionSources(next domain.RunStatus) []string {
	var from []string
	for _, s := range []domain.RunStatus{
		domain.RunStatusReady, domain.RunStatusRunning, domain.RunStatusSucceeded,
		domain.RunStatusFailed, domain.RunStatusTimedOut, domain.RunStatusAborted,
	} {
		if s.CanTransition(next) {
			from = append(from, string(s))
		}
	}
	return from
}

func (s *PostgresStore) classifyTransitionFailure(ctx context.Context, id string, next domain.RunStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("run transition lookup: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

func scanRun(scanner rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var statusMessage, claimedBy *string
	err := scanner.Scan(
		&run.ID, &run.ActorID, &run.PrincipalID, &status, &statusMessage, &run.ExitCode, &claimedBy,
		&run.StartedAt, &run.FinishedAt, &run.TimeoutSecs, &run.MemoryMbytes,
		&run.DatasetID, &run.KeyValueID, &run.QueueID, &run.Stats, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if statusMessage != nil {
		run.StatusMessage = *statusMessage
	}
	if claimedBy != nil {
		run.ClaimedBy = *claimedBy
	}
	return &run, nil
}
