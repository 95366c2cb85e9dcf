package services

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderInvalidInput signals the caller provided malformed order data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderAlreadyFulfilled indicates the order was fulfilled before.
	ErrOrderAlreadyFulfilled = errors.New("order: already fulfilled")
	// ErrOrderCancelled indicates the order was cancelled before.
	ErrOrderCancelled = errors.New("order: cancelled")
	// ErrOrderConflict indicates a concurrent writer or a constraint prevented the change.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
	// ErrInsufficientInventory indicates a variant cannot cover the requested quantity.
	ErrInsufficientInventory = errors.New("inventory: insufficient inventory")
	// ErrVariantStockNotFound indicates a variant has no stock row.
	ErrVariantStockNotFound = errors.New("inventory: variant stock not found")
	// ErrInventoryInvalidInput signals invalid inventory query arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
)

// InsufficientInventoryError carries the numbers shown to the operator when a line cannot be reserved
// or fulfilled.
type InsufficientInventoryError struct {
	Title     string
	VariantID string
	Available int
	Required  int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("%s: %q has %d available, %d required", ErrInsufficientInventory, e.Title, e.Available, e.Required)
}

// Is reports whether target is ErrInsufficientInventory.
func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}
