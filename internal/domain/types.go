package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// FinancialStatus tracks the payment state of an order.
type FinancialStatus string

const (
	FinancialStatusPending  FinancialStatus = "pending"
	FinancialStatusPaid     FinancialStatus = "paid"
	FinancialStatusRefunded FinancialStatus = "refunded"
)

// FulfillmentStatus tracks the shipping state of an order.
type FulfillmentStatus string

const (
	FulfillmentStatusUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentStatusFulfilled   FulfillmentStatus = "fulfilled"
	FulfillmentStatusPartial     FulfillmentStatus = "partial"
)

// AddressKind distinguishes billing and shipping addresses attached to an order.
type AddressKind string

const (
	AddressKindBilling  AddressKind = "billing"
	AddressKindShipping AddressKind = "shipping"
)

// MovementKind classifies an inventory movement recorded on the audit trail.
type MovementKind string

const (
	MovementKindReservation  MovementKind = "reservation"
	MovementKindCancellation MovementKind = "cancellation"
	MovementKindFulfillment  MovementKind = "fulfillment"
)

// MovementReferenceOrder is the only reference type written by the order lifecycle.
const MovementReferenceOrder = "order"

// OrderTotals carries the monetary summary of an order.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Order is the order header together with its line items and addresses.
type Order struct {
	ID                string
	OrderNumber       string
	CustomerID        *string
	Email             string
	Status            OrderStatus
	FinancialStatus   FinancialStatus
	FulfillmentStatus FulfillmentStatus
	Currency          string
	Totals            OrderTotals
	Note              string
	ShippingMethodID  *string
	PaymentMethodID   *string
	CancelledAt       *time.Time
	CancelledReason   *string
	Items             []OrderItem
	Addresses         []OrderAddress
	Customer          *CustomerSummary
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderItem is a line item snapshot. Title, SKU and price are copied at order time.
type OrderItem struct {
	ID           string
	OrderID      string
	ProductID    *string
	VariantID    *string
	Title        string
	SKU          string
	VariantTitle *string
	Quantity     int
	Price        decimal.Decimal
	Total        decimal.Decimal
	Position     int

	// Populated by read models only.
	ImageURL string
	Stock    *VariantStock
}

// OrderAddress is a billing or shipping address row owned by an order.
type OrderAddress struct {
	OrderID    string
	Kind       AddressKind
	FirstName  string
	LastName   string
	Company    string
	Address1   string
	Address2   string
	City       string
	Province   string
	PostalCode string
	Country    string
	Phone      string
}

// VariantStock holds the ledger counters of a single stocked variant.
type VariantStock struct {
	VariantID string
	ProductID string
	OnHand    int
	Reserved  int
	Committed int
	Available int
	UpdatedAt time.Time
}

// Recalculate derives Available from the other counters.
func (s *VariantStock) Recalculate() {
	s.Available = s.OnHand - s.Reserved - s.Committed
}

// InventoryMovement is an immutable audit record of one ledger mutation.
type InventoryMovement struct {
	ID                string
	VariantID         string
	ProductID         string
	Kind              MovementKind
	Quantity          int
	PreviousAvailable int
	PreviousReserved  int
	NewAvailable      int
	NewReserved       int
	Reason            string
	ReferenceType     string
	ReferenceID       string
	UserID            *string
	CreatedAt         time.Time
}

// Customer holds the aggregate fields maintained by the order lifecycle.
type Customer struct {
	ID          string
	Email       string
	FirstName   string
	LastName    string
	OrdersCount int
	TotalSpent  decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CustomerSummary is the customer projection joined onto order listings.
type CustomerSummary struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// ItemImage maps a product or variant to the storage object holding its primary image.
type ItemImage struct {
	ProductID  string
	VariantID  string
	ObjectPath string
}

// Page packages offset paginated results with the total number of matching rows.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	TotalCount int
}
