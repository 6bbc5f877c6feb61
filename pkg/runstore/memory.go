package runstore

import (
	"context"
	"sync"
	"time"
)

type subscriber chan Snapshot

type runRecord struct {
	snap        Snapshot
	subscribers []subscriber
	// expiresAt is set once the run is terminal and a TTL applies.
	expiresAt time.Time
}

// MemStore keeps run snapshots in memory and supports subscriptions.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*runRecord
	ttl   time.Duration
	now   func() time.Time
}

// NewMemStore keeps snapshots for the life of the process.
func NewMemStore() *MemStore {
	return NewMemStoreWithTTL(0)
}

// NewMemStoreWithTTL drops a finished run ttl after its terminal snapshot,
// the way RedisStore lets its keys expire. Running runs are never evicted.
func NewMemStoreWithTTL(ttl time.Duration) *MemStore {
	return &MemStore{items: make(map[string]*runRecord), ttl: ttl, now: time.Now}
}

func (s *MemStore) Put(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	rec, ok := s.items[snap.RunID]
	if !ok {
		rec = &runRecord{}
		s.items[snap.RunID] = rec
	}
	rec.snap = cloneSnapshot(snap)
	if s.ttl > 0 && snap.State.Terminal() {
		rec.expiresAt = s.now().Add(s.ttl)
	}

	for _, sub := range rec.subscribers {
		deliver(sub, cloneSnapshot(snap))
	}
	if snap.State.Terminal() {
		for _, sub := range rec.subscribers {
			close(sub)
		}
		rec.subscribers = nil
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, runID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(runID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(rec.snap), nil
}

func (s *MemStore) Subscribe(ctx context.Context, runID string) (<-chan Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(runID)
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(subscriber, 32)
	ch <- cloneSnapshot(rec.snap)
	if rec.snap.State.Terminal() {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)

	go func() {
		<-ctx.Done()
		s.unsubscribe(runID, ch)
	}()
	return ch, nil
}

func (s *MemStore) unsubscribe(runID string, ch subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[runID]
	if !ok {
		return
	}
	for i, sub := range rec.subscribers {
		if sub == ch {
			rec.subscribers = append(rec.subscribers[:i], rec.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Len reports how many runs are held, expired ones included until the next
// sweep.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// deleteLocked drops a run and closes its open subscriptions.
func (s *MemStore) deleteLocked(runID string) {
	rec, ok := s.items[runID]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	delete(s.items, runID)
}

// live returns the record of runID unless it has expired. Callers hold mu.
func (s *MemStore) live(runID string) (*runRecord, bool) {
	rec, ok := s.items[runID]
	if !ok || s.expired(rec) {
		return nil, false
	}
	return rec, true
}

func (s *MemStore) expired(rec *runRecord) bool {
	return !rec.expiresAt.IsZero() && !s.now().Before(rec.expiresAt)
}

// sweepLocked evicts every expired run. Callers hold mu.
func (s *MemStore) sweepLocked() {
	if s.ttl <= 0 {
		return
	}
	for id, rec := range s.items {
		if s.expired(rec) {
			s.deleteLocked(id)
		}
	}
}

// deliver never blocks. A slow subscriber loses its oldest queued update so
// the newest one, terminal state included, always fits.
func deliver(sub subscriber, snap Snapshot) {
	for {
		select {
		case sub <- snap:
			return
		default:
		}
		select {
		case <-sub:
		default:
		}
	}
}

func cloneSnapshot(snap Snapshot) Snapshot {
	snap.Stages = append([]StageRecord(nil), snap.Stages...)
	snap.InputURLs = append([]string(nil), snap.InputURLs...)
	return snap
}
