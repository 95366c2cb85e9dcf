package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection   = "ledger_idempotency_keys"
	defaultMaxAttempts  = 5
	defaultCleanupLimit = 100
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding the keys.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts bounds transaction retries on contention.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore shares idempotency state between API instances. Each key is one document
// named by the hash of the actor-scoped key; every state change runs in a transaction.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *FirestoreStore) ref(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(storageID(key))
}

func (s *FirestoreStore) inTx(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	return s.client.RunTransaction(ctx, fn, firestore.MaxAttempts(s.maxAttempts))
}

// load reads the record at ref inside tx. found is false when the document does not exist.
func load(tx *firestore.Transaction, ref *firestore.DocumentRef) (record Record, found bool, err error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if err := snap.DataTo(&record); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ref := s.ref(key)

	var out Reservation
	err := s.inTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, found, err := load(tx, ref)
		if err != nil {
			return err
		}
		if found && !existing.expired(now) {
			out, err = existing.reservation(fingerprint)
			return err
		}
		record := newPending(key, fingerprint, now, ttl)
		out = Reservation{State: ReservationStateNew, Record: record}
		return tx.Set(ref, record)
	})
	return out, err
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.ref(key)

	return s.inTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		record, found, err := load(tx, ref)
		if err != nil {
			return err
		}
		if !found {
			record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		} else if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, record.completed(resp, now, ttl))
	})
}

// Release implements Store. Records held by another fingerprint are left alone.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	ref := s.ref(key)
	return s.inTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		record, found, err := load(tx, ref)
		if err != nil || !found || record.Fingerprint != fingerprint {
			return err
		}
		return tx.Delete(ref)
	})
}

// CleanupExpired deletes up to limit expired records through a BulkWriter.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
