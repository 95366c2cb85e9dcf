package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const meterName = "github.com/tariky/3S-sub000/internal/services"

// stockDelta moves the ledger counters of one variant.
type stockDelta struct {
	Reserved  int
	Committed int
	OnHand    int
}

// applyStockDelta floors reserved and committed at zero and recomputes available.
func applyStockDelta(stock domain.VariantStock, delta stockDelta) domain.VariantStock {
	next := stock
	next.Reserved = max(0, stock.Reserved+delta.Reserved)
	next.Committed = max(0, stock.Committed+delta.Committed)
	next.OnHand = stock.OnHand + delta.OnHand
	next.Recalculate()
	return next
}

// movementSpec describes the audit record written for a ledger mutation.
type movementSpec struct {
	Kind     domain.MovementKind
	Quantity int
	Reason   string
	OrderID  string
	ActorID  string
}

// stockLedger applies deltas to rows locked by the current transaction and writes one audit record
// per mutation. It holds the locked rows so repeated mutations of a variant see earlier ones.
type stockLedger struct {
	inventory repositories.InventoryRepository
	movements repositories.InventoryMovementRepository
	newID     func() string
	now       time.Time
	rows      map[string]domain.VariantStock
	mutations metric.Int64Counter
	touched   []string
}

func newLedgerMutationCounter() metric.Int64Counter {
	counter, err := otel.Meter(meterName).Int64Counter("ledger.mutations",
		metric.WithDescription("Stock ledger mutations by movement kind"),
		metric.WithUnit("{mutation}"))
	if err != nil {
		otel.Handle(err)
	}
	return counter
}

// lock acquires row locks for variantIDs in ascending order and caches the rows.
func (l *stockLedger) lock(ctx context.Context, variantIDs []string) error {
	rows, err := l.inventory.LockForUpdate(ctx, variantIDs)
	if err != nil {
		return err
	}
	l.rows = rows
	return nil
}

// stock returns the locked row of variantID.
func (l *stockLedger) stock(variantID string) (domain.VariantStock, bool) {
	stock, ok := l.rows[variantID]
	return stock, ok
}

// apply mutates one locked row. A missing row yields ErrVariantStockNotFound.
func (l *stockLedger) apply(ctx context.Context, variantID string, delta stockDelta, spec movementSpec) (domain.VariantStock, error) {
	previous, ok := l.rows[variantID]
	if !ok {
		return domain.VariantStock{}, fmt.Errorf("%w: variant %s", ErrVariantStockNotFound, variantID)
	}

	next := applyStockDelta(previous, delta)
	next.UpdatedAt = l.now
	if err := l.inventory.Save(ctx, next); err != nil {
		return domain.VariantStock{}, err
	}

	movement := domain.InventoryMovement{
		ID:                l.newID(),
		VariantID:         variantID,
		ProductID:         previous.ProductID,
		Kind:              spec.Kind,
		Quantity:          spec.Quantity,
		PreviousAvailable: previous.Available,
		PreviousReserved:  previous.Reserved,
		NewAvailable:      next.Available,
		NewReserved:       next.Reserved,
		Reason:            spec.Reason,
		ReferenceType:     domain.MovementReferenceOrder,
		ReferenceID:       spec.OrderID,
		UserID:            optionalString(spec.ActorID),
		CreatedAt:         l.now,
	}
	if err := l.movements.Append(ctx, movement); err != nil {
		return domain.VariantStock{}, err
	}

	l.rows[variantID] = next
	l.touched = append(l.touched, variantID)
	if l.mutations != nil {
		l.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(spec.Kind))))
	}
	return next, nil
}

// touchedVariants lists mutated variants in first-touch order without duplicates.
func (l *stockLedger) touchedVariants() []string {
	seen := make(map[string]struct{}, len(l.touched))
	result := make([]string, 0, len(l.touched))
	for _, id := range l.touched {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
