package repositories

import (
	"errors"
	"fmt"
)

// ErrInvalidSequence is returned by CounterRepository.Next for a blank counter id or a negative step.
var ErrInvalidSequence = errors.New("repositories: invalid sequence request")

// InventoryErrorCode enumerates repository error causes for stock row operations.
type InventoryErrorCode string

const (
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorStockNotFound indicates the variant has no stock row.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
	// InventoryErrorContention indicates a lock could not be acquired or the transaction was aborted
	// by a concurrent writer.
	InventoryErrorContention InventoryErrorCode = "inventory_contention"
	// InventoryErrorNegativeCounter indicates a write would break the non-negative counter constraint.
	InventoryErrorNegativeCounter InventoryErrorCode = "inventory_negative_counter"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	VariantID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.VariantID != "" {
		msg = fmt.Sprintf("%s (variant %s)", msg, e.VariantID)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, variantID, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		VariantID: variantID,
		Message:   message,
		Err:       err,
	}
}
