package services

import (
	domain "github.com/tariky/3S-sub000/internal/domain"
)

type itemChangeKind int

const (
	itemRemoved itemChangeKind = iota + 1
	itemQuantityChanged
	itemAdded
)

// itemChange is one stock-affecting difference between the stored and the desired items.
type itemChange struct {
	kind        itemChangeKind
	variantID   string
	title       string
	oldQuantity int
	newQuantity int
}

func (c itemChange) delta() int {
	return c.newQuantity - c.oldQuantity
}

// orderItemDiff lists release changes (removals and quantity changes) before additions so stock
// freed by the edit is visible to lines added by it.
type orderItemDiff struct {
	changes []itemChange
}

// variantIDs returns every variant whose stock row the diff may read or write.
func (d orderItemDiff) variantIDs() []string {
	ids := make([]string, 0, len(d.changes))
	for _, change := range d.changes {
		ids = append(ids, change.variantID)
	}
	return ids
}

// diffOrderItems keys both sides by variant id, else product id, else line id. A line whose variant
// changes is therefore a removal of the old variant plus an addition of the new one. Lines without
// a variant have no stock effect and produce no change.
func diffOrderItems(existing []domain.OrderItem, desired []OrderItemInput) orderItemDiff {
	current := make(map[string]domain.OrderItem, len(existing))
	currentKeys := make([]string, 0, len(existing))
	for _, item := range existing {
		key := orderItemKey(item)
		if prev, ok := current[key]; ok {
			prev.Quantity += item.Quantity
			current[key] = prev
			continue
		}
		current[key] = item
		currentKeys = append(currentKeys, key)
	}

	wanted := make(map[string]OrderItemInput, len(desired))
	for _, item := range desired {
		if key := itemInputKey(item); key != "" {
			wanted[key] = item
		}
	}

	var diff orderItemDiff
	for _, key := range currentKeys {
		old := current[key]
		if old.VariantID == nil {
			continue
		}
		want, ok := wanted[key]
		switch {
		case !ok:
			diff.changes = append(diff.changes, itemChange{
				kind:        itemRemoved,
				variantID:   *old.VariantID,
				title:       old.Title,
				oldQuantity: old.Quantity,
			})
		case want.Quantity != old.Quantity:
			diff.changes = append(diff.changes, itemChange{
				kind:        itemQuantityChanged,
				variantID:   *old.VariantID,
				title:       want.Title,
				oldQuantity: old.Quantity,
				newQuantity: want.Quantity,
			})
		}
	}

	for _, item := range desired {
		if item.VariantID == nil {
			continue
		}
		if _, ok := current[itemInputKey(item)]; ok {
			continue
		}
		diff.changes = append(diff.changes, itemChange{
			kind:        itemAdded,
			variantID:   *item.VariantID,
			title:       item.Title,
			newQuantity: item.Quantity,
		})
	}
	return diff
}
