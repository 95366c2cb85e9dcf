package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
)

// OrderService runs the order lifecycle. Every mutation executes in one transaction covering the
// order, the stock ledger, the audit trail and customer aggregates.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	Fulfill(ctx context.Context, cmd FulfillOrderCommand) (domain.Order, error)
}

// InventoryService exposes read-only views over the stock ledger and its audit trail.
type InventoryService interface {
	GetForVariants(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error)
	ListLowStock(ctx context.Context, filter InventoryLowStockFilter) ([]domain.VariantStock, error)
	ListMovements(ctx context.Context, variantID string, limit int) ([]domain.InventoryMovement, error)
}

// SystemService reports dependency health for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderItemInput is one desired line item. ID is set when an edit keeps an existing line.
type OrderItemInput struct {
	ID           string
	ProductID    *string
	VariantID    *string
	Title        string
	SKU          string
	VariantTitle *string
	Quantity     int
	Price        decimal.Decimal
}

// CreateOrderCommand describes a new order. When CustomerID is empty but Email is set, the
// customer is looked up by email and created when missing.
type CreateOrderCommand struct {
	ActorID          string
	CustomerID       string
	Email            string
	FirstName        string
	LastName         string
	Currency         string
	Items            []OrderItemInput
	Totals           domain.OrderTotals
	Note             string
	ShippingMethodID string
	PaymentMethodID  string
	Addresses        []domain.OrderAddress
}

// UpdateOrderCommand carries the complete desired item list of an existing order.
type UpdateOrderCommand struct {
	ActorID string
	OrderID string
	Items   []OrderItemInput
	Totals  domain.OrderTotals
	Note    *string
}

// CancelOrderCommand cancels an order and releases its reservations.
type CancelOrderCommand struct {
	ActorID string
	OrderID string
	Reason  string
}

// FulfillOrderCommand consumes the stock held by an order.
type FulfillOrderCommand struct {
	ActorID string
	OrderID string
}

// OrderListFilter narrows order listings. Status values are validated against the known statuses.
type OrderListFilter struct {
	Search string
	Status []string
	Page   int
	Limit  int
}

// InventoryLowStockFilter selects stock rows at or below Threshold available units.
type InventoryLowStockFilter struct {
	Threshold *int
	Limit     int
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent is emitted after a lifecycle transaction commits.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	VariantIDs     []string
	OccurredAt     time.Time
}

// ImageURLSigner turns a storage object path into a URL the admin UI can render.
type ImageURLSigner interface {
	SignedURL(ctx context.Context, objectPath string) (string, error)
}
