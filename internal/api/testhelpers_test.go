package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/blob"
	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/logs"
	"github.com/crawlpoint/crawlpoint/internal/service"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

const testToken = "cp_testkey"

// memStore is one in-memory backend implementing every store interface the
// services consume, with the same transition and dedup semantics as the
// Postgres store.
type memStore struct {
	mu sync.Mutex

	actors   map[string]*domain.Actor
	runs     map[string]*domain.Run
	datasets map[string]*domain.Dataset
	kvstores map[string]*domain.KeyValueStore
	queues   map[string]*domain.RequestQueue

	requests map[string]map[string]*domain.Request
	byKey    map[string]map[string]string
	counters map[string]int64
	defaults map[string]string // "<kind>/<owner>" -> storage id
}

func newMemStore() *memStore {
	return &memStore{
		actors:   make(map[string]*domain.Actor),
		runs:     make(map[string]*domain.Run),
		datasets: make(map[string]*domain.Dataset),
		kvstores: make(map[string]*domain.KeyValueStore),
		queues:   make(map[string]*domain.RequestQueue),
		requests: make(map[string]map[string]*domain.Request),
		byKey:    make(map[string]map[string]string),
		counters: make(map[string]int64),
		defaults: make(map[string]string),
	}
}

// ─── actors ─────────────────────────────────────────────────────────────────

func (m *memStore) CreateActor(_ context.Context, a *domain.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.actors {
		if other.OwnerID == a.OwnerID && other.Name == a.Name {
			return fmt.Errorf("%w: %s", store.ErrActorNameTaken, a.Name)
		}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	m.actors[a.ID] = &cp
	return nil
}

func (m *memStore) GetActor(_ context.Context, id string) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrActorNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetActorByName(_ context.Context, ownerID, name string) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actors {
		if a.OwnerID == ownerID && a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrActorNotFound, name)
}

func (m *memStore) ListActors(_ context.Context, ownerID string, limit, offset int) ([]*domain.Actor, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*domain.Actor
	for _, a := range m.actors {
		if a.OwnerID == ownerID {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := int64(len(all))
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memStore) UpdateActor(_ context.Context, a *domain.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[a.ID]; !ok {
		return fmt.Errorf("%w: %s", store.ErrActorNotFound, a.ID)
	}
	cp := *a
	m.actors[a.ID] = &cp
	return nil
}

func (m *memStore) DeleteActor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrActorNotFound, id)
	}
	delete(m.actors, id)
	return nil
}

// ─── runs ───────────────────────────────────────────────────────────────────

func (m *memStore) CreateRunWithStorages(_ context.Context, run *domain.Run, ds *domain.Dataset, kv *domain.KeyValueStore, queue *domain.RequestQueue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	ds.CreatedAt, ds.UpdatedAt = now, now
	kv.CreatedAt, kv.UpdatedAt = now, now
	queue.CreatedAt, queue.UpdatedAt = now, now

	runCp, dsCp, kvCp, qCp := *run, *ds, *kv, *queue
	m.runs[run.ID] = &runCp
	m.datasets[ds.ID] = &dsCp
	m.kvstores[kv.ID] = &kvCp
	m.queues[queue.ID] = &qCp
	m.requests[queue.ID] = make(map[string]*domain.Request)
	m.byKey[queue.ID] = make(map[string]string)
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, f store.RunListFilter) ([]*domain.Run, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, run := range m.runs {
		if f.ActorID != "" && run.ActorID != f.ActorID {
			continue
		}
		if f.PrincipalID != "" && run.PrincipalID != f.PrincipalID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, int64(len(out)), nil
}

func (m *memStore) AbortRun(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	if run.Status != domain.RunStatusRunning {
		return nil, fmt.Errorf("%w: %s -> ABORTED", store.ErrInvalidTransition, run.Status)
	}
	now := time.Now().UTC()
	run.Status = domain.RunStatusAborted
	run.FinishedAt = &now
	cp := *run
	return &cp, nil
}

func (m *memStore) ResurrectRun(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> RUNNING", store.ErrInvalidTransition, run.Status)
	}
	run.Status = domain.RunStatusRunning
	run.StatusMessage = ""
	run.ClaimedBy = ""
	run.FinishedAt = nil
	run.ExitCode = nil
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id string, status domain.RunStatus, statusMessage *string, exitCode *int) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	if !run.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, run.Status, status)
	}
	run.Status = status
	if statusMessage != nil {
		run.StatusMessage = *statusMessage
	}
	if exitCode != nil {
		run.ExitCode = exitCode
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		run.FinishedAt = &now
	} else {
		run.FinishedAt = nil
	}
	cp := *run
	return &cp, nil
}

// ─── datasets ───────────────────────────────────────────────────────────────

func (m *memStore) GetDataset(_ context.Context, id string) (*domain.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetOrCreateNamedDataset(_ context.Context, ownerID, name string) (*domain.Dataset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.datasets {
		if d.OwnerID == ownerID && d.Name == name {
			cp := *d
			return &cp, false, nil
		}
	}
	d := &domain.Dataset{ID: domain.NewID(), OwnerID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	m.datasets[d.ID] = d
	cp := *d
	return &cp, true, nil
}

func (m *memStore) GetOrCreateDefaultDataset(ctx context.Context, ownerID string) (*domain.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.defaults["dataset/"+ownerID]; ok {
		cp := *m.datasets[id]
		return &cp, nil
	}
	d := &domain.Dataset{ID: domain.NewID(), OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	m.datasets[d.ID] = d
	m.defaults["dataset/"+ownerID] = d.ID
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDatasets(_ context.Context, ownerID string, limit, offset int) ([]*domain.Dataset, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Dataset
	for _, d := range m.datasets {
		if d.OwnerID == ownerID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) DeleteDataset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrDatasetNotFound, id)
	}
	delete(m.datasets, id)
	return nil
}

func (m *memStore) AppendDatasetItems(ctx context.Context, id string, n int, write func(ctx context.Context, base int64) error) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, id)
	}
	base := d.ItemCount
	if err := write(ctx, base); err != nil {
		return 0, err
	}
	d.ItemCount += int64(n)
	return base, nil
}

// ─── key-value stores ───────────────────────────────────────────────────────

func (m *memStore) GetKeyValueStore(_ context.Context, id string) (*domain.KeyValueStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.kvstores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrKeyValueStoreNotFound, id)
	}
	cp := *kv
	return &cp, nil
}

func (m *memStore) GetOrCreateNamedKeyValueStore(_ context.Context, ownerID, name string) (*domain.KeyValueStore, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range m.kvstores {
		if kv.OwnerID == ownerID && kv.Name == name {
			cp := *kv
			return &cp, false, nil
		}
	}
	kv := &domain.KeyValueStore{ID: domain.NewID(), OwnerID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	m.kvstores[kv.ID] = kv
	cp := *kv
	return &cp, true, nil
}

func (m *memStore) GetOrCreateDefaultKeyValueStore(ctx context.Context, ownerID string) (*domain.KeyValueStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.defaults["kv/"+ownerID]; ok {
		cp := *m.kvstores[id]
		return &cp, nil
	}
	kv := &domain.KeyValueStore{ID: domain.NewID(), OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	m.kvstores[kv.ID] = kv
	m.defaults["kv/"+ownerID] = kv.ID
	cp := *kv
	return &cp, nil
}

func (m *memStore) ListKeyValueStores(_ context.Context, ownerID string, limit, offset int) ([]*domain.KeyValueStore, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KeyValueStore
	for _, kv := range m.kvstores {
		if kv.OwnerID == ownerID {
			cp := *kv
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) TouchKeyValueStore(_ context.Context, id string) error { return nil }

func (m *memStore) DeleteKeyValueStore(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kvstores[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrKeyValueStoreNotFound, id)
	}
	delete(m.kvstores, id)
	return nil
}

// ─── request queues ─────────────────────────────────────────────────────────

func (m *memStore) GetRequestQueue(_ context.Context, id string) (*domain.RequestQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrQueueNotFound, id)
	}
	cp := *q
	return &cp, nil
}

func (m *memStore) GetOrCreateNamedRequestQueue(_ context.Context, ownerID, name string) (*domain.RequestQueue, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.OwnerID == ownerID && q.Name == name {
			cp := *q
			return &cp, false, nil
		}
	}
	q := &domain.RequestQueue{ID: domain.NewID(), OwnerID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	m.queues[q.ID] = q
	m.requests[q.ID] = make(map[string]*domain.Request)
	m.byKey[q.ID] = make(map[string]string)
	cp := *q
	return &cp, true, nil
}

func (m *memStore) GetOrCreateDefaultRequestQueue(ctx context.Context, ownerID string) (*domain.RequestQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.defaults["queue/"+ownerID]; ok {
		cp := *m.queues[id]
		return &cp, nil
	}
	q := &domain.RequestQueue{ID: domain.NewID(), OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	m.queues[q.ID] = q
	m.requests[q.ID] = make(map[string]*domain.Request)
	m.byKey[q.ID] = make(map[string]string)
	m.defaults["queue/"+ownerID] = q.ID
	cp := *q
	return &cp, nil
}

func (m *memStore) ListRequestQueues(_ context.Context, ownerID string, limit, offset int) ([]*domain.RequestQueue, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RequestQueue
	for _, q := range m.queues {
		if q.OwnerID == ownerID {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) DeleteRequestQueue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrQueueNotFound, id)
	}
	delete(m.queues, id)
	delete(m.requests, id)
	delete(m.byKey, id)
	return nil
}

func (m *memStore) MarkQueueHadMultipleClients(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[id]; ok {
		q.HadMultipleClients = true
	}
	return nil
}

func (m *memStore) InsertRequest(_ context.Context, req *domain.Request, forefront bool) (*store.AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[req.QueueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrQueueNotFound, req.QueueID)
	}
	if existingID, ok := m.byKey[req.QueueID][req.UniqueKey]; ok {
		existing := m.requests[req.QueueID][existingID]
		cp := *existing
		return &store.AddResult{Request: &cp, WasAlreadyPresent: true, WasAlreadyHandled: existing.HandledAt != nil}, nil
	}
	m.counters[req.QueueID]++
	counter := m.counters[req.QueueID]
	req.OrderNo = counter
	if forefront {
		req.OrderNo = -counter
	}
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	cp := *req
	m.requests[req.QueueID][req.ID] = &cp
	m.byKey[req.QueueID][req.UniqueKey] = req.ID
	q.TotalRequestCount++
	q.PendingRequestCount++
	out := *req
	return &store.AddResult{Request: &out}, nil
}

func (m *memStore) GetRequest(_ context.Context, queueID, id string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[queueID][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRequestNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) ListPendingRequests(_ context.Context, queueID string, limit int) ([]*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Request
	for _, req := range m.requests[queueID] {
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

func (m *memStore) UpdateRequest(_ context.Context, queueID, id string, patch store.RequestPatch) (*domain.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[queueID][id]
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
	if newlyHandled {
		t := *patch.HandledAt
		req.HandledAt = &t
		q := m.queues[queueID]
		q.HandledRequestCount++
		q.PendingRequestCount--
	}
	req.LockedBy = ""
	req.LockedUntil = nil
	cp := *req
	return &cp, newlyHandled, nil
}

func (m *memStore) MirrorRequestLock(_ context.Context, queueID, id, lockedBy string, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[queueID][id]; ok {
		req.LockedBy = lockedBy
		req.LockedUntil = lockedUntil
	}
	return nil
}

// ─── in-memory coordination ─────────────────────────────────────────────────

type memCoord struct {
	mu      sync.Mutex
	pending map[string]map[string]int64
	locks   map[string]memLease
	clients map[string]map[string]bool
}

type memLease struct {
	clientKey string
	expiresAt time.Time
}

func newMemCoord() *memCoord {
	return &memCoord{
		pending: make(map[string]map[string]int64),
		locks:   make(map[string]memLease),
		clients: make(map[string]map[string]bool),
	}
}

func (c *memCoord) AddPending(_ context.Context, queueID, requestID string, orderNo int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[queueID] == nil {
		c.pending[queueID] = make(map[string]int64)
	}
	c.pending[queueID][requestID] = orderNo
	return nil
}

func (c *memCoord) RemovePending(_ context.Context, queueID, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending[queueID], requestID)
	return nil
}

func (c *memCoord) PendingHead(_ context.Context, queueID string, offset, limit int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	type entry struct {
		id      string
		orderNo int64
	}
	var entries []entry
	for id, orderNo := range c.pending[queueID] {
		entries = append(entries, entry{id, orderNo})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].orderNo < entries[j].orderNo })
	var out []string
	for i := offset; i < int64(len(entries)) && int64(len(out)) < limit; i++ {
		out = append(out, entries[i].id)
	}
	return out, nil
}

func (c *memCoord) PendingCount(_ context.Context, queueID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.pending[queueID])), nil
}

func (c *memCoord) DropQueue(_ context.Context, queueID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, queueID)
	delete(c.clients, queueID)
	return nil
}

func (c *memCoord) AcquireLock(_ context.Context, queueID, requestID, clientKey string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := queueID + "/" + requestID
	if lease, ok := c.locks[key]; ok && time.Now().Before(lease.expiresAt) {
		return false, nil
	}
	c.locks[key] = memLease{clientKey: clientKey, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *memCoord) ProlongLock(_ context.Context, queueID, requestID, clientKey string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := queueID + "/" + requestID
	lease, ok := c.locks[key]
	if !ok || time.Now().After(lease.expiresAt) || lease.clientKey != clientKey {
		return coord.ErrNotLockOwner
	}
	lease.expiresAt = time.Now().Add(ttl)
	c.locks[key] = lease
	return nil
}

func (c *memCoord) ReleaseLock(_ context.Context, queueID, requestID, clientKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := queueID + "/" + requestID
	lease, ok := c.locks[key]
	if !ok || time.Now().After(lease.expiresAt) || lease.clientKey != clientKey {
		return coord.ErrNotLockOwner
	}
	delete(c.locks, key)
	return nil
}

func (c *memCoord) LockHolder(_ context.Context, queueID, requestID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lease, ok := c.locks[queueID+"/"+requestID]
	if !ok || time.Now().After(lease.expiresAt) {
		return "", nil
	}
	return lease.clientKey, nil
}

func (c *memCoord) DropLock(_ context.Context, queueID, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, queueID+"/"+requestID)
	return nil
}

func (c *memCoord) ObserveClient(_ context.Context, queueID, clientKey string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients[queueID] == nil {
		c.clients[queueID] = make(map[string]bool)
	}
	c.clients[queueID][clientKey] = true
	return int64(len(c.clients[queueID])), nil
}

// ─── harness ────────────────────────────────────────────────────────────────

type harness struct {
	store  *memStore
	blobs  *blob.MemoryStore
	ring   *logs.MemoryRing
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ms := newMemStore()
	blobs := blob.NewMemoryStore()
	ring := logs.NewMemoryRing()
	notifier := coord.NewChannelNotifier()
	t.Cleanup(func() { notifier.Close() })

	verifier := auth.NewVerifier(nil, nil)
	verifier.AddStaticKey(testToken, &domain.Principal{ID: "user1", Name: "tester"})

	h := &Handlers{
		Actors:   service.NewActorService(ms),
		Runs:     service.NewRunService(ms, blobs, notifier),
		Datasets: service.NewDatasetService(ms, blobs),
		KeyValue: service.NewKeyValueService(ms, blobs),
		Queues:   service.NewQueueService(ms, newMemCoord()),
		Ring:     ring,
		Verifier: verifier,
	}

	server := httptest.NewServer(Router(h))
	t.Cleanup(server.Close)

	return &harness{store: ms, blobs: blobs, ring: ring, server: server}
}

// do issues an authenticated JSON request and decodes the {"data": ...}
// envelope into out when non-nil.
func (h *harness) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp
}

func jsonBody(s string) io.Reader { return bytes.NewReader([]byte(s)) }

func logEntry(msg string) logs.Entry {
	return logs.Entry{Timestamp: time.Now().UTC(), Level: logs.LevelInfo, Message: msg}
}

// errType decodes the wire error type from a response.
func errType(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Type
}
