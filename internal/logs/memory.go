package logs

import (
	"context"
	"sync"
)

// MemoryRing is an in-process Ring used by tests and single-node setups
// without Redis. It enforces the same cap and replay semantics.
type MemoryRing struct {
	mu    sync.Mutex
	rings map[string]*memRun
}

type memRun struct {
	entries []Entry
	subs    []*memSub
}

type memSub struct {
	ch     chan Entry
	cancel <-chan struct{}
}

func NewMemoryRing() *MemoryRing {
	return &MemoryRing{rings: make(map[string]*memRun)}
}

func (m *MemoryRing) run(runID string) *memRun {
	r, ok := m.rings[runID]
	if !ok {
		r = &memRun{}
		m.rings[runID] = r
	}
	return r
}

func (m *MemoryRing) Append(_ context.Context, runID string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run(runID)
	r.entries = append(r.entries, e)
	if len(r.entries) > LogCap {
		r.entries = r.entries[len(r.entries)-LogCap:]
	}

	for _, sub := range r.subs {
		select {
		case <-sub.cancel:
		case sub.ch <- e:
		default:
			// Slow subscriber: drop rather than block the producer.
		}
	}
	return nil
}

func (m *MemoryRing) Fetch(_ context.Context, runID string, offset, limit int64) ([]Entry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run(runID)
	total := int64(len(r.entries))
	if offset >= total || limit <= 0 {
		return []Entry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Entry, end-offset)
	copy(out, r.entries[offset:end])
	return out, total, nil
}

func (m *MemoryRing) Subscribe(ctx context.Context, runID string) (<-chan Entry, error) {
	m.mu.Lock()
	r := m.run(runID)

	replay := r.entries
	if len(replay) > ReplayCount {
		replay = replay[len(replay)-ReplayCount:]
	}
	replayCopy := make([]Entry, len(replay))
	copy(replayCopy, replay)

	sub := &memSub{ch: make(chan Entry, 100), cancel: ctx.Done()}
	r.subs = append(r.subs, sub)
	m.mu.Unlock()

	out := make(chan Entry, 100)
	go func() {
		defer close(out)
		defer m.removeSub(runID, sub)

		for _, e := range replayCopy {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemoryRing) Drop(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, runID)
	return nil
}

func (m *MemoryRing) removeSub(runID string, target *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[runID]
	if !ok {
		return
	}
	for i, s := range r.subs {
		if s == target {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
}
