package idempotency

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It backs local runs where Firestore is not
// configured; records do not survive a restart and are not shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// live returns the unexpired record stored for key. Callers hold mu.
func (s *MemoryStore) live(key string, now time.Time) (string, Record, bool) {
	id := storageID(key)
	record, ok := s.records[id]
	if ok && record.expired(now) {
		delete(s.records, id)
		ok = false
	}
	return id, record, ok
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, record, ok := s.live(key, now)
	if ok {
		return record.reservation(fingerprint)
	}
	record = newPending(key, fingerprint, now, ttl)
	s.records[id] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, record, ok := s.live(key, now)
	switch {
	case !ok:
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	case record.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[id] = record.completed(resp, now, ttl)
	return nil
}

// CleanupExpired removes up to limit expired records, oldest expiry first. A limit of
// zero or less removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	type expiry struct {
		id string
		at time.Time
	}
	var stale []expiry
	for id, record := range s.records {
		if record.expired(now) {
			stale = append(stale, expiry{id: id, at: record.ExpiresAt})
		}
	}
	slices.SortFunc(stale, func(a, b expiry) int { return cmp.Compare(a.at.UnixNano(), b.at.UnixNano()) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, e := range stale {
		delete(s.records, e.id)
	}
	return len(stale), nil
}

// Release drops a reservation held by fingerprint so the client may retry.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storageID(key)
	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}
