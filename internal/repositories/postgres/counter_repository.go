package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

// CounterRepository implements repositories.CounterRepository with an upsert on the counters table.
type CounterRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Postgres-backed counter repository.
func NewCounterRepository(db *ppostgres.UnitOfWork) (*CounterRepository, error) {
	if db == nil {
		return nil, errors.New("counter repository requires postgres unit of work")
	}
	return &CounterRepository{db: db}, nil
}

// Next atomically increments the counter identified by counterID and returns the new value.
// The row lock taken by the upsert is held until the surrounding transaction ends.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, fmt.Errorf("%w: counter id is required", repositories.ErrInvalidSequence)
	}
	if step < 0 {
		return 0, fmt.Errorf("%w: step %d is negative", repositories.ErrInvalidSequence, step)
	}
	if step == 0 {
		step = 1
	}

	var value int64
	err := r.db.Conn(ctx).QueryRow(ctx, `INSERT INTO counters (id, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = now()
	RETURNING value`, id, step).Scan(&value)
	if err != nil {
		return 0, ppostgres.WrapError("counter.next", err)
	}
	return value, nil
}
