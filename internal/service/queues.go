package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

// QueueStore is the metadata access the queue engine needs.
type QueueStore interface {
	GetRequestQueue(ctx context.Context, id string) (*domain.RequestQueue, error)
	GetOrCreateNamedRequestQueue(ctx context.Context, ownerID, name string) (*domain.RequestQueue, bool, error)
	GetOrCreateDefaultRequestQueue(ctx context.Context, ownerID string) (*domain.RequestQueue, error)
	ListRequestQueues(ctx context.Context, ownerID string, limit, offset int) ([]*domain.RequestQueue, int64, error)
	DeleteRequestQueue(ctx context.Context, id string) error
	MarkQueueHadMultipleClients(ctx context.Context, id string) error

	InsertRequest(ctx context.Context, req *domain.Request, forefront bool) (*store.AddResult, error)
	GetRequest(ctx context.Context, queueID, id string) (*domain.Request, error)
	ListPendingRequests(ctx context.Context, queueID string, limit int) ([]*domain.Request, error)
	UpdateRequest(ctx context.Context, queueID, id string, patch store.RequestPatch) (*domain.Request, bool, error)
	MirrorRequestLock(ctx context.Context, queueID, id, lockedBy string, lockedUntil *time.Time) error
}

// QueueCoord is the coordination-store access the queue engine needs. The
// coordination store is authoritative for leases; rows only mirror them.
type QueueCoord interface {
	AddPending(ctx context.Context, queueID, requestID string, orderNo int64) error
	RemovePending(ctx context.Context, queueID, requestID string) error
	PendingHead(ctx context.Context, queueID string, offset, limit int64) ([]string, error)
	PendingCount(ctx context.Context, queueID string) (int64, error)
	DropQueue(ctx context.Context, queueID string) error

	AcquireLock(ctx context.Context, queueID, requestID, clientKey string, ttl time.Duration) (bool, error)
	ProlongLock(ctx context.Context, queueID, requestID, clientKey string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, queueID, requestID, clientKey string) error
	LockHolder(ctx context.Context, queueID, requestID string) (string, error)
	DropLock(ctx context.Context, queueID, requestID string) error
	ObserveClient(ctx context.Context, queueID, clientKey string) (int64, error)
}

// QueueService is the request-queue engine: a multi-producer multi-consumer
// deduplicated FIFO with per-request lease locks.
type QueueService struct {
	store QueueStore
	coord QueueCoord
}

func NewQueueService(s QueueStore, c QueueCoord) *QueueService {
	return &QueueService{store: s, coord: c}
}

const (
	DefaultLockSecs = 60
	MaxHeadLimit    = 100
)

// ─── Queue CRUD ─────────────────────────────────────────────────────────────

func (s *QueueService) Resolve(ctx context.Context, principal *domain.Principal, idOrName string) (*domain.RequestQueue, error) {
	if idOrName == domain.DefaultStorageAlias {
		return s.store.GetOrCreateDefaultRequestQueue(ctx, principal.ID)
	}
	q, err := s.store.GetRequestQueue(ctx, idOrName)
	if err == nil {
		return q, nil
	}
	q, _, err = s.store.GetOrCreateNamedRequestQueue(ctx, principal.ID, idOrName)
	return q, err
}

func (s *QueueService) Get(ctx context.Context, id string) (*domain.RequestQueue, error) {
	return s.store.GetRequestQueue(ctx, id)
}

// GetOrCreateNamed backs the POST create endpoint's get-or-create
// semantics; created reports whether a fresh queue was made.
func (s *QueueService) GetOrCreateNamed(ctx context.Context, principal *domain.Principal, name string) (*domain.RequestQueue, bool, error) {
	return s.store.GetOrCreateNamedRequestQueue(ctx, principal.ID, name)
}

func (s *QueueService) List(ctx context.Context, principal *domain.Principal, limit, offset int) ([]*domain.RequestQueue, int64, error) {
	return s.store.ListRequestQueues(ctx, principal.ID, limit, offset)
}

func (s *QueueService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRequestQueue(ctx, id); err != nil {
		return err
	}
	if err := s.coord.DropQueue(ctx, id); err != nil {
		logging.Op().Warn("drop queue coordination state failed", "queue", id, "error", err)
	}
	return nil
}

// ─── Ingest ─────────────────────────────────────────────────────────────────

// AddRequestInput is one caller-supplied request descriptor.
type AddRequestInput struct {
	UniqueKey string
	URL       string
	Method    string
	Payload   string
	Headers   map[string]string
	UserData  map[string]any
	NoRetry   bool
}

// AddRequestResult reports the outcome of one ingest.
type AddRequestResult struct {
	RequestID         string `json:"requestId"`
	UniqueKey         string `json:"uniqueKey"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
}

// AddRequest adds one request, deduplicating on uniqueKey. Retried adds are
// reported as wasAlreadyPresent, never as a conflict.
func (s *QueueService) AddRequest(ctx context.Context, queueID string, in AddRequestInput, forefront bool) (*AddRequestResult, error) {
	req, err := s.buildRequest(queueID, in)
	if err != nil {
		return nil, err
	}

	res, err := s.store.InsertRequest(ctx, req, forefront)
	if err != nil {
		return nil, err
	}

	if !res.WasAlreadyPresent {
		if err := s.coord.AddPending(ctx, queueID, res.Request.ID, res.Request.OrderNo); err != nil {
			// The pending set self-heals from the rows on the next head read.
			logging.Op().Warn("add pending failed", "queue", queueID, "request", res.Request.ID, "error", err)
		}
	}

	return &AddRequestResult{
		RequestID:         res.Request.ID,
		UniqueKey:         res.Request.UniqueKey,
		WasAlreadyPresent: res.WasAlreadyPresent,
		WasAlreadyHandled: res.WasAlreadyHandled,
	}, nil
}

// UnprocessedRequest reports one failed element of a batch ingest.
type UnprocessedRequest struct {
	UniqueKey string `json:"uniqueKey"`
	URL       string `json:"url"`
	Method    string `json:"method"`
}

// BatchResult is the outcome of AddRequestsBatch: per-item failures don't
// abort the batch.
type BatchResult struct {
	Processed   []*AddRequestResult  `json:"processedRequests"`
	Unprocessed []UnprocessedRequest `json:"unprocessedRequests"`
}

func (s *QueueService) AddRequestsBatch(ctx context.Context, queueID string, inputs []AddRequestInput, forefront bool) (*BatchResult, error) {
	out := &BatchResult{
		Processed:   make([]*AddRequestResult, 0, len(inputs)),
		Unprocessed: make([]UnprocessedRequest, 0),
	}
	for _, in := range inputs {
		res, err := s.AddRequest(ctx, queueID, in, forefront)
		if err != nil {
			logging.Op().Debug("batch request rejected", "queue", queueID, "url", in.URL, "error", err)
			out.Unprocessed = append(out.Unprocessed, UnprocessedRequest{
				UniqueKey: in.UniqueKey,
				URL:       in.URL,
				Method:    strings.ToUpper(in.Method),
			})
			continue
		}
		out.Processed = append(out.Processed, res)
	}
	return out, nil
}

func (s *QueueService) buildRequest(queueID string, in AddRequestInput) (*domain.Request, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, fmt.Errorf("%w: request url is required", ErrValidation)
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = "GET"
	}
	uniqueKey := in.UniqueKey
	if uniqueKey == "" {
		uniqueKey = domain.DeriveUniqueKey(in.URL, method, in.Payload)
	}
	return &domain.Request{
		ID:        domain.NewID(),
		QueueID:   queueID,
		UniqueKey: uniqueKey,
		URL:       in.URL,
		Method:    method,
		Payload:   in.Payload,
		Headers:   in.Headers,
		UserData:  in.UserData,
		NoRetry:   in.NoRetry,
	}, nil
}

func (s *QueueService) GetRequest(ctx context.Context, queueID, requestID string) (*domain.Request, error) {
	return s.store.GetRequest(ctx, queueID, requestID)
}

// ─── Head reads and leases ──────────────────────────────────────────────────

// Head is the result of GetHead / AcquireHead.
type Head struct {
	Requests               []*domain.Request
	QueueHasLockedRequests bool
	HadMultipleClients     bool
	LockExpiresAt          *time.Time
}

// GetHead peeks at the oldest pending, unlocked requests without locking.
func (s *QueueService) GetHead(ctx context.Context, queueID string, limit int) (*Head, error) {
	queue, err := s.store.GetRequestQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	limit = clampHeadLimit(limit)

	if err := s.ensurePending(ctx, queue); err != nil {
		return nil, err
	}

	head := &Head{Requests: make([]*domain.Request, 0, limit), HadMultipleClients: queue.HadMultipleClients}
	err = s.walkPending(ctx, queueID, func(id string) (bool, error) {
		holder, err := s.coord.LockHolder(ctx, queueID, id)
		if err != nil {
			return false, err
		}
		if holder != "" {
			head.QueueHasLockedRequests = true
			return len(head.Requests) < limit, nil
		}
		req, err := s.store.GetRequest(ctx, queueID, id)
		if err != nil {
			if errors.Is(err, store.ErrRequestNotFound) {
				// Stale pending entry; heal the set.
				s.coord.RemovePending(ctx, queueID, id)
				return true, nil
			}
			return false, err
		}
		if req.HandledAt != nil {
			s.coord.RemovePending(ctx, queueID, id)
			return true, nil
		}
		head.Requests = append(head.Requests, req)
		return len(head.Requests) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return head, nil
}

// AcquireHead locks up to limit pending, unlocked requests for clientKey.
// Acquisition is a compare-and-set per request against the coordination
// store; an expired lease is simply acquirable again.
func (s *QueueService) AcquireHead(ctx context.Context, queueID string, limit, lockSecs int, clientKey string) (*Head, error) {
	if clientKey == "" {
		return nil, fmt.Errorf("%w: clientKey is required", ErrValidation)
	}
	queue, err := s.store.GetRequestQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	limit = clampHeadLimit(limit)
	if lockSecs <= 0 {
		lockSecs = DefaultLockSecs
	}
	ttl := time.Duration(lockSecs) * time.Second

	if err := s.ensurePending(ctx, queue); err != nil {
		return nil, err
	}

	hadMultiple, err := s.observeClient(ctx, queue, clientKey)
	if err != nil {
		return nil, err
	}

	lockExpiresAt := time.Now().UTC().Add(ttl)
	head := &Head{
		Requests:           make([]*domain.Request, 0, limit),
		HadMultipleClients: hadMultiple,
		LockExpiresAt:      &lockExpiresAt,
	}

	err = s.walkPending(ctx, queueID, func(id string) (bool, error) {
		acquired, err := s.coord.AcquireLock(ctx, queueID, id, clientKey, ttl)
		if err != nil {
			return false, err
		}
		if !acquired {
			head.QueueHasLockedRequests = true
			return len(head.Requests) < limit, nil
		}
		req, err := s.store.GetRequest(ctx, queueID, id)
		if err != nil {
			s.coord.DropLock(ctx, queueID, id)
			if errors.Is(err, store.ErrRequestNotFound) {
				s.coord.RemovePending(ctx, queueID, id)
				return true, nil
			}
			return false, err
		}
		if req.HandledAt != nil {
			s.coord.DropLock(ctx, queueID, id)
			s.coord.RemovePending(ctx, queueID, id)
			return true, nil
		}

		until := lockExpiresAt
		req.LockedUntil = &until
		req.LockedBy = clientKey
		if err := s.store.MirrorRequestLock(ctx, queueID, id, clientKey, &until); err != nil {
			logging.Op().Warn("mirror request lock failed", "queue", queueID, "request", id, "error", err)
		}
		head.Requests = append(head.Requests, req)
		return len(head.Requests) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	if len(head.Requests) > 0 {
		head.QueueHasLockedRequests = true
	}
	return head, nil
}

// ProlongLock extends clientKey's lease on the request to now + lockSecs.
func (s *QueueService) ProlongLock(ctx context.Context, queueID, requestID, clientKey string, lockSecs int) (time.Time, error) {
	if lockSecs <= 0 {
		lockSecs = DefaultLockSecs
	}
	ttl := time.Duration(lockSecs) * time.Second

	if _, err := s.store.GetRequest(ctx, queueID, requestID); err != nil {
		return time.Time{}, err
	}
	if err := s.coord.ProlongLock(ctx, queueID, requestID, clientKey, ttl); err != nil {
		return time.Time{}, err
	}

	until := time.Now().UTC().Add(ttl)
	if err := s.store.MirrorRequestLock(ctx, queueID, requestID, clientKey, &until); err != nil {
		logging.Op().Warn("mirror request lock failed", "queue", queueID, "request", requestID, "error", err)
	}
	return until, nil
}

// ReleaseLock clears clientKey's lease, returning the request to pending.
func (s *QueueService) ReleaseLock(ctx context.Context, queueID, requestID, clientKey string) error {
	if _, err := s.store.GetRequest(ctx, queueID, requestID); err != nil {
		return err
	}
	if err := s.coord.ReleaseLock(ctx, queueID, requestID, clientKey); err != nil {
		return err
	}
	if err := s.store.MirrorRequestLock(ctx, queueID, requestID, "", nil); err != nil {
		logging.Op().Warn("mirror request lock failed", "queue", queueID, "request", requestID, "error", err)
	}
	return nil
}

// UpdateRequestPatch is the caller-visible patch shape.
type UpdateRequestPatch struct {
	RetryCount    *int
	NoRetry       *bool
	ErrorMessages []string
	UserData      map[string]any
	HandledAt     *time.Time
}

// UpdateRequest applies the patch. A caller that is not the lease holder is
// rejected; a successful update implicitly clears the lease. Handling a
// request moves the queue counters and drops it from the pending set.
func (s *QueueService) UpdateRequest(ctx context.Context, queueID, requestID string, patch UpdateRequestPatch, clientKey string) (*domain.Request, error) {
	holder, err := s.coord.LockHolder(ctx, queueID, requestID)
	if err != nil {
		return nil, err
	}
	if holder != "" && holder != clientKey {
		return nil, fmt.Errorf("%w: held by %s", ErrLockedByOther, holder)
	}

	req, newlyHandled, err := s.store.UpdateRequest(ctx, queueID, requestID, store.RequestPatch{
		RetryCount:    patch.RetryCount,
		NoRetry:       patch.NoRetry,
		ErrorMessages: patch.ErrorMessages,
		UserData:      patch.UserData,
		HandledAt:     patch.HandledAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.coord.DropLock(ctx, queueID, requestID); err != nil {
		logging.Op().Warn("drop request lock failed", "queue", queueID, "request", requestID, "error", err)
	}
	if newlyHandled {
		if err := s.coord.RemovePending(ctx, queueID, requestID); err != nil {
			logging.Op().Warn("remove pending failed", "queue", queueID, "request", requestID, "error", err)
		}
	}
	return req, nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

// walkPending iterates the pending set in ascending order-number order,
// paging through the coordination store, until visit returns false or the
// set is exhausted.
func (s *QueueService) walkPending(ctx context.Context, queueID string, visit func(id string) (bool, error)) error {
	const page = int64(64)
	for offset := int64(0); ; offset += page {
		ids, err := s.coord.PendingHead(ctx, queueID, offset, page)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			more, err := visit(id)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}

// ensurePending rebuilds the coordination pending set from the rows when it
// went cold (Redis restart, TTL loss) while the queue still has pending
// requests.
func (s *QueueService) ensurePending(ctx context.Context, queue *domain.RequestQueue) error {
	if queue.PendingRequestCount == 0 {
		return nil
	}
	count, err := s.coord.PendingCount(ctx, queue.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	pending, err := s.store.ListPendingRequests(ctx, queue.ID, int(queue.PendingRequestCount))
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := s.coord.AddPending(ctx, queue.ID, req.ID, req.OrderNo); err != nil {
			return err
		}
	}
	return nil
}

// observeClient feeds the sticky hadMultipleClients flag and returns its
// current value.
func (s *QueueService) observeClient(ctx context.Context, queue *domain.RequestQueue, clientKey string) (bool, error) {
	if queue.HadMultipleClients {
		return true, nil
	}
	distinct, err := s.coord.ObserveClient(ctx, queue.ID, clientKey)
	if err != nil {
		return false, err
	}
	if distinct >= 2 {
		if err := s.store.MarkQueueHadMultipleClients(ctx, queue.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func clampHeadLimit(limit int) int {
	if limit <= 0 {
		return MaxHeadLimit
	}
	if limit > MaxHeadLimit {
		return MaxHeadLimit
	}
	return limit
}
