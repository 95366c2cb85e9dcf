package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/platform/textutil"
)

const (
	maxOrderItems  = 250
	maxNoteLength  = 2000
	currencyLength = 3
)

func validateTotals(totals domain.OrderTotals) error {
	amounts := []struct {
		name  string
		value decimal.Decimal
	}{
		{"subtotal", totals.Subtotal},
		{"tax", totals.Tax},
		{"shipping", totals.Shipping},
		{"discount", totals.Discount},
		{"total", totals.Total},
	}
	for _, amount := range amounts {
		if amount.value.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrOrderInvalidInput, amount.name)
		}
	}
	expected := totals.Subtotal.Add(totals.Tax).Add(totals.Shipping).Sub(totals.Discount)
	if !expected.Equal(totals.Total) {
		return fmt.Errorf("%w: total %s does not equal subtotal + tax + shipping - discount (%s)",
			ErrOrderInvalidInput, totals.Total.StringFixed(2), expected.StringFixed(2))
	}
	return nil
}

// normaliseItemInputs validates desired items and checks that no two of them share a diff key.
func normaliseItemInputs(items []OrderItemInput) ([]OrderItemInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	if len(items) > maxOrderItems {
		return nil, fmt.Errorf("%w: at most %d line items are allowed", ErrOrderInvalidInput, maxOrderItems)
	}

	result := make([]OrderItemInput, 0, len(items))
	keys := make(map[string]int, len(items))
	for i, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		item.ProductID = trimOptional(item.ProductID)
		item.VariantID = trimOptional(item.VariantID)
		item.VariantTitle = trimOptional(item.VariantTitle)
		item.Title = textutil.SanitizePlainText(item.Title)
		item.SKU = strings.TrimSpace(item.SKU)

		if item.Title == "" {
			return nil, fmt.Errorf("%w: items[%d].title is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: items[%d].quantity must be greater than zero", ErrOrderInvalidInput, i)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("%w: items[%d].price must not be negative", ErrOrderInvalidInput, i)
		}
		if key := itemInputKey(item); key != "" {
			if prev, ok := keys[key]; ok {
				return nil, fmt.Errorf("%w: items[%d] and items[%d] refer to the same line", ErrOrderInvalidInput, prev, i)
			}
			keys[key] = i
		}
		result = append(result, item)
	}
	return result, nil
}

func normaliseAddresses(addresses []domain.OrderAddress) ([]domain.OrderAddress, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	seen := make(map[domain.AddressKind]bool, len(addresses))
	result := make([]domain.OrderAddress, 0, len(addresses))
	for _, addr := range addresses {
		addr.Kind = domain.AddressKind(strings.ToLower(strings.TrimSpace(string(addr.Kind))))
		if addr.Kind != domain.AddressKindBilling && addr.Kind != domain.AddressKindShipping {
			return nil, fmt.Errorf("%w: address kind must be billing or shipping", ErrOrderInvalidInput)
		}
		if seen[addr.Kind] {
			return nil, fmt.Errorf("%w: duplicate %s address", ErrOrderInvalidInput, addr.Kind)
		}
		seen[addr.Kind] = true

		addr.FirstName = strings.TrimSpace(addr.FirstName)
		addr.LastName = strings.TrimSpace(addr.LastName)
		addr.Company = strings.TrimSpace(addr.Company)
		addr.Address1 = strings.TrimSpace(addr.Address1)
		addr.Address2 = strings.TrimSpace(addr.Address2)
		addr.City = strings.TrimSpace(addr.City)
		addr.Province = strings.TrimSpace(addr.Province)
		addr.PostalCode = strings.TrimSpace(addr.PostalCode)
		addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
		addr.Phone = strings.TrimSpace(addr.Phone)

		missing := make([]string, 0, 6)
		for field, value := range map[string]string{
			"first_name":  addr.FirstName,
			"last_name":   addr.LastName,
			"address1":    addr.Address1,
			"city":        addr.City,
			"postal_code": addr.PostalCode,
			"country":     addr.Country,
		} {
			if value == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("%w: %s address is missing %s", ErrOrderInvalidInput, addr.Kind, strings.Join(missing, ", "))
		}
		result = append(result, addr)
	}
	return result, nil
}

// itemInputKey returns the diff key of a desired item: variant id, else product id, else line id.
func itemInputKey(item OrderItemInput) string {
	switch {
	case item.VariantID != nil:
		return "variant:" + *item.VariantID
	case item.ProductID != nil:
		return "product:" + *item.ProductID
	case item.ID != "":
		return "item:" + item.ID
	}
	return ""
}

func orderItemKey(item domain.OrderItem) string {
	switch {
	case item.VariantID != nil:
		return "variant:" + *item.VariantID
	case item.ProductID != nil:
		return "product:" + *item.ProductID
	}
	return "item:" + item.ID
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	return optionalString(*value)
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
