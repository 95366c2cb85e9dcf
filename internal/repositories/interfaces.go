package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	InventoryMovements() InventoryMovementRepository
	Customers() CustomerRepository
	ItemImages() ItemImageRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transaction. Repositories called with the
// context handed to fn participate in that transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers, line items and addresses.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	UpdateHeader(ctx context.Context, order domain.Order) error
	ReplaceItems(ctx context.Context, orderID string, items []domain.OrderItem) error
	FindByID(ctx context.Context, orderID string, opts OrderLoadOptions) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
}

// OrderLoadOptions tunes how an order is read.
type OrderLoadOptions struct {
	// ForUpdate locks the order header row until the surrounding transaction ends.
	ForUpdate bool
}

// InventoryRepository reads and writes variant stock rows.
type InventoryRepository interface {
	// LockForUpdate locks the rows of the given variants in ascending variant id order and returns
	// the rows found. Variants without a stock row are absent from the result.
	LockForUpdate(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error)
	Save(ctx context.Context, stock domain.VariantStock) error
	FindByVariantIDs(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) ([]domain.VariantStock, error)
}

// InventoryLowStockQuery filters stock rows at or below an availability threshold.
type InventoryLowStockQuery struct {
	Threshold int
	Limit     int
}

// InventoryMovementRepository is the insert-only store of audit records.
type InventoryMovementRepository interface {
	Append(ctx context.Context, movement domain.InventoryMovement) error
	ListByVariant(ctx context.Context, variantID string, limit int) ([]domain.InventoryMovement, error)
}

// CustomerRepository maintains the customer fields touched by the order lifecycle.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	FindOrCreateByEmail(ctx context.Context, candidate domain.Customer) (domain.Customer, error)
	IncrementAggregates(ctx context.Context, customerID string, orders int, spent decimal.Decimal, now time.Time) (domain.Customer, error)
}

// ItemImageRepository resolves the primary image object of products and variants.
type ItemImageRepository interface {
	Resolve(ctx context.Context, refs []ItemImageRef) ([]domain.ItemImage, error)
}

// ItemImageRef identifies the product and optional variant whose image is requested.
type ItemImageRef struct {
	ProductID string
	VariantID string
}

// CounterRepository provides atomic sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	// Search is matched against the order number, order email and customer name/email.
	Search string
	Status []domain.OrderStatus
	Page   int
	Limit  int
}
