package postgres

import (
	"context"
	"errors"

	domain "github.com/tariky/3S-sub000/internal/domain"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

// InventoryMovementRepository appends audit records to inventory_tracking. It never updates or
// deletes a row.
type InventoryMovementRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.InventoryMovementRepository = (*InventoryMovementRepository)(nil)

// NewInventoryMovementRepository constructs the audit trail store.
func NewInventoryMovementRepository(db *ppostgres.UnitOfWork) (*InventoryMovementRepository, error) {
	if db == nil {
		return nil, errors.New("inventory movement repository requires postgres unit of work")
	}
	return &InventoryMovementRepository{db: db}, nil
}

func (r *InventoryMovementRepository) Append(ctx context.Context, movement domain.InventoryMovement) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `INSERT INTO inventory_tracking (
		id, variant_id, product_id, type, quantity, previous_available, previous_reserved,
		new_available, new_reserved, reason, reference_type, reference_id, user_id, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		movement.ID, movement.VariantID, movement.ProductID, string(movement.Kind), movement.Quantity,
		movement.PreviousAvailable, movement.PreviousReserved, movement.NewAvailable, movement.NewReserved,
		movement.Reason, movement.ReferenceType, movement.ReferenceID, movement.UserID, movement.CreatedAt)
	return ppostgres.WrapError("inventory_movement.append", err)
}

func (r *InventoryMovementRepository) ListByVariant(ctx context.Context, variantID string, limit int) ([]domain.InventoryMovement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT id, variant_id, product_id, type, quantity,
		previous_available, previous_reserved, new_available, new_reserved, reason, reference_type,
		reference_id, user_id, created_at
	FROM inventory_tracking WHERE variant_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, variantID, limit)
	if err != nil {
		return nil, ppostgres.WrapError("inventory_movement.list", err)
	}
	defer rows.Close()

	var movements []domain.InventoryMovement
	for rows.Next() {
		var m domain.InventoryMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.ProductID, &m.Kind, &m.Quantity, &m.PreviousAvailable,
			&m.PreviousReserved, &m.NewAvailable, &m.NewReserved, &m.Reason, &m.ReferenceType, &m.ReferenceID,
			&m.UserID, &m.CreatedAt); err != nil {
			return nil, ppostgres.WrapError("inventory_movement.list", err)
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("inventory_movement.list", err)
	}
	return movements, nil
}
