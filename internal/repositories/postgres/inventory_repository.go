package postgres

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/tariky/3S-sub000/internal/domain"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const stockColumns = `variant_id, product_id, on_hand, reserved, committed, available, updated_at`

// InventoryRepository implements repositories.InventoryRepository on the inventory table.
type InventoryRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs a Postgres-backed inventory repository.
func NewInventoryRepository(db *ppostgres.UnitOfWork) (*InventoryRepository, error) {
	if db == nil {
		return nil, errors.New("inventory repository requires postgres unit of work")
	}
	return &InventoryRepository{db: db}, nil
}

// LockForUpdate must run inside a transaction. Rows are locked in ascending variant id order so
// concurrent operations touching overlapping variants cannot deadlock.
func (r *InventoryRepository) LockForUpdate(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error) {
	if _, ok := ppostgres.TxFromContext(ctx); !ok {
		return nil, errors.New("inventory repository: LockForUpdate requires a transaction")
	}
	ids := normalizeIDs(variantIDs)
	if len(ids) == 0 {
		return map[string]domain.VariantStock{}, nil
	}

	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+stockColumns+`
	FROM inventory WHERE variant_id = ANY($1) ORDER BY variant_id FOR UPDATE`, ids)
	if err != nil {
		return nil, r.wrap("inventory.lock", "", err)
	}
	stocks, err := collectStocks(rows)
	if err != nil {
		return nil, r.wrap("inventory.lock", "", err)
	}
	return stocks, nil
}

// Save writes the counters of one stock row.
func (r *InventoryRepository) Save(ctx context.Context, stock domain.VariantStock) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `UPDATE inventory
	SET on_hand = $2, reserved = $3, committed = $4, available = $5, updated_at = $6
	WHERE variant_id = $1`,
		stock.VariantID, stock.OnHand, stock.Reserved, stock.Committed, stock.Available, stock.UpdatedAt)
	if err != nil {
		return r.wrap("inventory.save", stock.VariantID, err)
	}
	if tag.RowsAffected() == 0 {
		e := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, stock.VariantID, "stock row not found", nil)
		e.Op = "inventory.save"
		return e
	}
	return nil
}

// FindByVariantIDs reads stock rows without locking. Unknown variants are omitted.
func (r *InventoryRepository) FindByVariantIDs(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error) {
	ids := normalizeIDs(variantIDs)
	if len(ids) == 0 {
		return map[string]domain.VariantStock{}, nil
	}
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+stockColumns+` FROM inventory WHERE variant_id = ANY($1)`, ids)
	if err != nil {
		return nil, r.wrap("inventory.find", "", err)
	}
	stocks, err := collectStocks(rows)
	if err != nil {
		return nil, r.wrap("inventory.find", "", err)
	}
	return stocks, nil
}

// ListLowStock returns rows whose available counter is at or below the threshold, lowest first.
func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) ([]domain.VariantStock, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+stockColumns+`
	FROM inventory WHERE available <= $1 ORDER BY available ASC, variant_id ASC LIMIT $2`, query.Threshold, limit)
	if err != nil {
		return nil, r.wrap("inventory.low_stock", "", err)
	}
	defer rows.Close()

	var result []domain.VariantStock
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, r.wrap("inventory.low_stock", "", err)
		}
		result = append(result, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrap("inventory.low_stock", "", err)
	}
	return result, nil
}

func (r *InventoryRepository) wrap(op, variantID string, err error) error {
	switch {
	case ppostgres.IsLockNotAvailable(err), ppostgres.IsRetryable(err):
		e := repositories.NewInventoryError(repositories.InventoryErrorContention, variantID, "stock row is locked by another operation", ppostgres.WrapError(op, err))
		e.Op = op
		return e
	case ppostgres.IsCheckViolation(err):
		e := repositories.NewInventoryError(repositories.InventoryErrorNegativeCounter, variantID, "stock counters must not be negative", ppostgres.WrapError(op, err))
		e.Op = op
		return e
	}
	return ppostgres.WrapError(op, err)
}

func collectStocks(rows pgx.Rows) (map[string]domain.VariantStock, error) {
	defer rows.Close()
	stocks := make(map[string]domain.VariantStock)
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks[stock.VariantID] = stock
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stocks, nil
}

func scanStock(row pgx.Row) (domain.VariantStock, error) {
	var stock domain.VariantStock
	err := row.Scan(&stock.VariantID, &stock.ProductID, &stock.OnHand, &stock.Reserved, &stock.Committed,
		&stock.Available, &stock.UpdatedAt)
	return stock, err
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
