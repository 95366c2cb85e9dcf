package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const (
	defaultLowStockThreshold = 5
	defaultLowStockLimit     = 50
	maxLowStockLimit         = 200
	defaultMovementLimit     = 50
	maxMovementLimit         = 500
	variantLookupBatch       = 200
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory         repositories.InventoryRepository
	Movements         repositories.InventoryMovementRepository
	LowStockThreshold int
}

type inventoryService struct {
	repo      repositories.InventoryRepository
	movements repositories.InventoryMovementRepository
	threshold int
	tracer    trace.Tracer
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	if deps.Movements == nil {
		return nil, errors.New("inventory service: movement repository is required")
	}
	threshold := deps.LowStockThreshold
	if threshold < 0 {
		threshold = defaultLowStockThreshold
	}
	return &inventoryService{
		repo:      deps.Inventory,
		movements: deps.Movements,
		threshold: threshold,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// GetForVariants returns the stock rows of the given variants. Blank and duplicate ids are
// ignored and variants without a row are absent from the map. Large lookups are read in batches.
func (s *inventoryService) GetForVariants(ctx context.Context, variantIDs []string) (map[string]domain.VariantStock, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.GetForVariants")
	defer span.End()

	ids := make([]string, 0, len(variantIDs))
	seen := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]domain.VariantStock{}, nil
	}

	stocks := make(map[string]domain.VariantStock, len(ids))
	for batch := range slices.Chunk(ids, variantLookupBatch) {
		rows, err := s.repo.FindByVariantIDs(ctx, batch)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}
		maps.Copy(stocks, rows)
	}
	return stocks, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, filter InventoryLowStockFilter) ([]domain.VariantStock, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ListLowStock")
	defer span.End()

	threshold := s.threshold
	if filter.Threshold != nil {
		if *filter.Threshold < 0 {
			return nil, fmt.Errorf("%w: threshold must be zero or greater", ErrInventoryInvalidInput)
		}
		threshold = *filter.Threshold
	}
	limit := filter.Limit
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must be positive", ErrInventoryInvalidInput)
	case limit == 0:
		limit = defaultLowStockLimit
	case limit > maxLowStockLimit:
		limit = maxLowStockLimit
	}

	stocks, err := s.repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{Threshold: threshold, Limit: limit})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return stocks, nil
}

// ListMovements returns the audit trail of one variant, newest first.
func (s *inventoryService) ListMovements(ctx context.Context, variantID string, limit int) ([]domain.InventoryMovement, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ListMovements")
	defer span.End()

	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return nil, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must be positive", ErrInventoryInvalidInput)
	case limit == 0:
		limit = defaultMovementLimit
	case limit > maxMovementLimit:
		limit = maxMovementLimit
	}

	movements, err := s.movements.ListByVariant(ctx, variantID, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return movements, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
	}
	return err
}
