package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

// ─── fake queue metadata store ──────────────────────────────────────────────

type fakeQueueStore struct {
	mu       sync.Mutex
	queues   map[string]*domain.RequestQueue
	requests map[string]map[string]*domain.Request // queueID -> requestID -> row
	byKey    map[string]map[string]string          // queueID -> uniqueKey -> requestID
	counters map[string]int64                      // queueID -> order counter
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		queues:   make(map[string]*domain.RequestQueue),
		requests: make(map[string]map[string]*domain.Request),
		byKey:    make(map[string]map[string]string),
		counters: make(map[string]int64),
	}
}

func (f *fakeQueueStore) addQueue(id string) *domain.RequestQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &domain.RequestQueue{ID: id, OwnerID: "owner", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.queues[id] = q
	f.requests[id] = make(map[string]*domain.Request)
	f.byKey[id] = make(map[string]string)
	return q
}

func (f *fakeQueueStore) GetRequestQueue(_ context.Context, id string) (*domain.RequestQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrQueueNotFound, id)
	}
	cp := *q
	return &cp, nil
}

func (f *fakeQueueStore) GetOrCreateNamedRequestQueue(_ context.Context, ownerID, name string) (*domain.RequestQueue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		if q.OwnerID == ownerID && q.Name == name {
			cp := *q
			return &cp, false, nil
		}
	}
	q := &domain.RequestQueue{ID: domain.NewID(), OwnerID: ownerID, Name: name}
	f.queues[q.ID] = q
	f.requests[q.ID] = make(map[string]*domain.Request)
	f.byKey[q.ID] = make(map[string]string)
	cp := *q
	return &cp, true, nil
}

func (f *fakeQueueStore) GetOrCreateDefaultRequestQueue(ctx context.Context, ownerID string) (*domain.RequestQueue, error) {
	q, _, err := f.GetOrCreateNamedRequestQueue(ctx, ownerID, "__default__")
	return q, err
}

func (f *fakeQueueStore) ListRequestQueues(_ context.Context, ownerID string, limit, offset int) ([]*domain.RequestQueue, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.RequestQueue
	for _, q := range f.queues {
		if q.OwnerID == ownerID {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeQueueStore) DeleteRequestQueue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrQueueNotFound, id)
	}
	delete(f.queues, id)
	delete(f.requests, id)
	delete(f.byKey, id)
	return nil
}

func (f *fakeQueueStore) MarkQueueHadMultipleClients(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[id]; ok {
		q.HadMultipleClients = true
	}
	return nil
}

func (f *fakeQueueStore) InsertRequest(_ context.Context, req *domain.Request, forefront bool) (*store.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[req.QueueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrQueueNotFound, req.QueueID)
	}

	if existingID, ok := f.byKey[req.QueueID][req.UniqueKey]; ok {
		existing := f.requests[req.QueueID][existingID]
		cp := *existing
		return &store.AddResult{
			Request:           &cp,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.HandledAt != nil,
		}, nil
	}

	f.counters[req.QueueID]++
	counter := f.counters[req.QueueID]
	req.OrderNo = counter
	if forefront {
		req.OrderNo = -counter
	}
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now

	cp := *req
	f.requests[req.QueueID][req.ID] = &cp
	f.byKey[req.QueueID][req.UniqueKey] = req.ID
	q.TotalRequestCount++
	q.PendingRequestCount++

	out := *req
	return &store.AddResult{Request: &out}, nil
}

func (f *fakeQueueStore) GetRequest(_ context.Context, queueID, id string) (*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[queueID][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRequestNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeQueueStore) ListPendingRequests(_ context.Context, queueID string, limit int) ([]*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Request
	for _, req := range f.requests[queueID] {
		if req.HandledAt == nil {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNo < out[j].OrderNo })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQueueStore) UpdateRequest(_ context.Context, queueID, id string, patch store.RequestPatch) (*domain.Request, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[queueID][id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", store.ErrRequestNotFound, id)
	}

	newlyHandled := patch.HandledAt != nil && req.HandledAt == nil
	if patch.RetryCount != nil {
		req.RetryCount = *patch.RetryCount
	}
	if patch.NoRetry != nil {
		req.NoRetry = *patch.NoRetry
	}
	if patch.ErrorMessages != nil {
		req.ErrorMessages = patch.ErrorMessages
	}
	if patch.UserData != nil {
		req.UserData = patch.UserData
	}
	if patch.HandledAt != nil && req.HandledAt == nil {
		t := *patch.HandledAt
		req.HandledAt = &t
	}
	req.LockedBy = ""
	req.LockedUntil = nil
	req.UpdatedAt = time.Now().UTC()

	if newlyHandled {
		q := f.queues[queueID]
		q.HandledRequestCount++
		q.PendingRequestCount--
	}
	cp := *req
	return &cp, newlyHandled, nil
}

func (f *fakeQueueStore) MirrorRequestLock(_ context.Context, queueID, id, lockedBy string, lockedUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req, ok := f.requests[queueID][id]; ok {
		req.LockedBy = lockedBy
		req.LockedUntil = lockedUntil
	}
	return nil
}

// ─── fake coordination store ────────────────────────────────────────────────

type fakeLease struct {
	clientKey string
	expiresAt time.Time
}

type fakeCoord struct {
	mu      sync.Mutex
	pending map[string]map[string]int64 // queueID -> requestID -> orderNo
	locks   map[string]fakeLease        // queueID/requestID -> lease
	clients map[string]map[string]bool  // queueID -> clientKey set
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		pending: make(map[string]map[string]int64),
		locks:   make(map[string]fakeLease),
		clients: make(map[string]map[string]bool),
	}
}

func leaseKey(queueID, requestID string) string { return queueID + "/" + requestID }

func (f *fakeCoord) AddPending(_ context.Context, queueID, requestID string, orderNo int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[queueID] == nil {
		f.pending[queueID] = make(map[string]int64)
	}
	f.pending[queueID][requestID] = orderNo
	return nil
}

func (f *fakeCoord) RemovePending(_ context.Context, queueID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending[queueID], requestID)
	return nil
}

func (f *fakeCoord) PendingHead(_ context.Context, queueID string, offset, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type entry struct {
		id      string
		orderNo int64
	}
	var entries []entry
	for id, orderNo := range f.pending[queueID] {
		entries = append(entries, entry{id, orderNo})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].orderNo < entries[j].orderNo })

	var out []string
	for i := offset; i < int64(len(entries)) && int64(len(out)) < limit; i++ {
		out = append(out, entries[i].id)
	}
	return out, nil
}

func (f *fakeCoord) PendingCount(_ context.Context, queueID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.pending[queueID])), nil
}

func (f *fakeCoord) DropQueue(_ context.Context, queueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, queueID)
	delete(f.clients, queueID)
	return nil
}

func (f *fakeCoord) AcquireLock(_ context.Context, queueID, requestID, clientKey string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := leaseKey(queueID, requestID)
	if lease, ok := f.locks[key]; ok && time.Now().Before(lease.expiresAt) {
		return false, nil
	}
	f.locks[key] = fakeLease{clientKey: clientKey, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeCoord) ProlongLock(_ context.Context, queueID, requestID, clientKey string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := leaseKey(queueID, requestID)
	lease, ok := f.locks[key]
	if !ok || time.Now().After(lease.expiresAt) || lease.clientKey != clientKey {
		return coord.ErrNotLockOwner
	}
	lease.expiresAt = time.Now().Add(ttl)
	f.locks[key] = lease
	return nil
}

func (f *fakeCoord) ReleaseLock(_ context.Context, queueID, requestID, clientKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := leaseKey(queueID, requestID)
	lease, ok := f.locks[key]
	if !ok || time.Now().After(lease.expiresAt) || lease.clientKey != clientKey {
		return coord.ErrNotLockOwner
	}
	delete(f.locks, key)
	return nil
}

func (f *fakeCoord) LockHolder(_ context.Context, queueID, requestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lease, ok := f.locks[leaseKey(queueID, requestID)]
	if !ok || time.Now().After(lease.expiresAt) {
		return "", nil
	}
	return lease.clientKey, nil
}

func (f *fakeCoord) DropLock(_ context.Context, queueID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, leaseKey(queueID, requestID))
	return nil
}

func (f *fakeCoord) ObserveClient(_ context.Context, queueID, clientKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients[queueID] == nil {
		f.clients[queueID] = make(map[string]bool)
	}
	f.clients[queueID][clientKey] = true
	return int64(len(f.clients[queueID])), nil
}
