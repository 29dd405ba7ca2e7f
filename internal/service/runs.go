package service

import (
	"context"
	"fmt"

	"github.com/crawlpoint/crawlpoint/internal/blob"
	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

// inputRecordKey is the key-value store record holding the run's input.
const inputRecordKey = "INPUT"

// RunStore is the metadata access the run service needs.
type RunStore interface {
	GetActor(ctx context.Context, id string) (*domain.Actor, error)
	GetActorByName(ctx context.Context, ownerID, name string) (*domain.Actor, error)
	CreateRunWithStorages(ctx context.Context, run *domain.Run, ds *domain.Dataset, kv *domain.KeyValueStore, queue *domain.RequestQueue) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, f store.RunListFilter) ([]*domain.Run, int64, error)
	AbortRun(ctx context.Context, id string) (*domain.Run, error)
	ResurrectRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, statusMessage *string, exitCode *int) (*domain.Run, error)
}

// RunService drives run creation and the externally triggered lifecycle
// transitions. Dispatch itself lives in the orchestrator.
type RunService struct {
	store    RunStore
	blobs    blob.Store
	notifier coord.Notifier
}

func NewRunService(s RunStore, blobs blob.Store, notifier coord.Notifier) *RunService {
	return &RunService{store: s, blobs: blobs, notifier: notifier}
}

// CreateRunRequest carries the caller-supplied run parameters.
type CreateRunRequest struct {
	Input       []byte
	ContentType string
	TimeoutSecs int
	Memory      int
}

// Create allocates the three storage handles, persists the INPUT record,
// inserts the run in READY, and wakes the dispatch workers.
func (s *RunService) Create(ctx context.Context, principal *domain.Principal, actorIDOrName string, req CreateRunRequest) (*domain.Run, error) {
	actor, err := s.store.GetActor(ctx, actorIDOrName)
	if err != nil {
		actor, err = s.store.GetActorByName(ctx, principal.ID, actorIDOrName)
		if err != nil {
			return nil, err
		}
	}

	opts := actor.RunOptionsFor(req.TimeoutSecs, req.Memory)

	run := &domain.Run{
		ID:           domain.NewID(),
		ActorID:      actor.ID,
		PrincipalID:  principal.ID,
		Status:       domain.RunStatusReady,
		TimeoutSecs:  opts.TimeoutSecs,
		MemoryMbytes: opts.MemoryMbytes,
		DatasetID:    domain.NewID(),
		KeyValueID:   domain.NewID(),
		QueueID:      domain.NewID(),
	}
	ds := &domain.Dataset{ID: run.DatasetID, OwnerID: principal.ID}
	kv := &domain.KeyValueStore{ID: run.KeyValueID, OwnerID: principal.ID}
	queue := &domain.RequestQueue{ID: run.QueueID, OwnerID: principal.ID}

	if err := s.store.CreateRunWithStorages(ctx, run, ds, kv, queue); err != nil {
		return nil, err
	}

	if len(req.Input) > 0 {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		if err := s.blobs.Put(ctx, recordKey(run.KeyValueID, inputRecordKey), req.Input, contentType); err != nil {
			return nil, fmt.Errorf("write run input: %w", err)
		}
	}

	if err := s.notifier.NotifyRunPending(ctx); err != nil {
		// Workers still poll; a lost notification only costs latency.
		logging.Op().Warn("run:new notification failed", "run", run.ID, "error", err)
	}
	return run, nil
}

func (s *RunService) Get(ctx context.Context, id string) (*domain.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRunsRequest narrows a run listing.
type ListRunsRequest struct {
	ActorID string
	Status  domain.RunStatus
	Desc    bool
	Limit   int
	Offset  int
}

func (s *RunService) List(ctx context.Context, principal *domain.Principal, req ListRunsRequest) ([]*domain.Run, int64, error) {
	if req.Status != "" && !req.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}
	return s.store.ListRuns(ctx, store.RunListFilter{
		ActorID:     req.ActorID,
		PrincipalID: principal.ID,
		Status:      req.Status,
		Desc:        req.Desc,
		Limit:       req.Limit,
		Offset:      req.Offset,
	})
}

// Abort transitions RUNNING -> ABORTED. The live driver observes the abort
// the next time it re-reads the run row and stops the container.
func (s *RunService) Abort(ctx context.Context, id string) (*domain.Run, error) {
	return s.store.AbortRun(ctx, id)
}

// Resurrect moves a terminal run back to RUNNING against its original
// storage handles and wakes a worker to relaunch the container. The prior
// log ring is kept: a resurrected run appends to its history.
func (s *RunService) Resurrect(ctx context.Context, id string) (*domain.Run, error) {
	run, err := s.store.ResurrectRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.notifier.NotifyRunPending(ctx); err != nil {
		logging.Op().Warn("run:new notification failed", "run", run.ID, "error", err)
	}
	return run, nil
}

// UpdateStatus applies a trusted status transition (runtime driver or the
// trusted PUT surface). finishedAt bookkeeping follows the state machine.
func (s *RunService) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, statusMessage *string, exitCode *int) (*domain.Run, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.store.UpdateRunStatus(ctx, id, status, statusMessage, exitCode)
}

func recordKey(storeID, key string) string {
	return blob.KeyValueRecordKey(storeID, key)
}
