package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/platform/httpx"
	"github.com/tariky/3S-sub000/internal/platform/pagination"
	"github.com/tariky/3S-sub000/internal/services"
)

// InventoryHandlers serves read-only views of the stock ledger.
type InventoryHandlers struct {
	inventory services.InventoryService
}

// NewInventoryHandlers constructs a new InventoryHandlers instance.
func NewInventoryHandlers(inventory services.InventoryService) *InventoryHandlers {
	return &InventoryHandlers{inventory: inventory}
}

// Routes registers the /inventory endpoints relative to the API prefix.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/inventory", h.getForVariants)
	r.Get("/inventory:low-stock", h.listLowStock)
	r.Get("/inventory/{variantID}/movements", h.listMovements)
}

type stockPayload struct {
	VariantID string `json:"variant_id"`
	ProductID string `json:"product_id,omitempty"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Committed int    `json:"committed"`
	Available int    `json:"available"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type movementPayload struct {
	ID                string  `json:"id"`
	VariantID         string  `json:"variant_id"`
	ProductID         string  `json:"product_id,omitempty"`
	Kind              string  `json:"kind"`
	Quantity          int     `json:"quantity"`
	PreviousAvailable int     `json:"previous_available"`
	PreviousReserved  int     `json:"previous_reserved"`
	NewAvailable      int     `json:"new_available"`
	NewReserved       int     `json:"new_reserved"`
	Reason            string  `json:"reason,omitempty"`
	ReferenceType     string  `json:"reference_type,omitempty"`
	ReferenceID       string  `json:"reference_id,omitempty"`
	UserID            *string `json:"user_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

func buildStockPayload(stock domain.VariantStock) stockPayload {
	return stockPayload{
		VariantID: stock.VariantID,
		ProductID: stock.ProductID,
		OnHand:    stock.OnHand,
		Reserved:  stock.Reserved,
		Committed: stock.Committed,
		Available: stock.Available,
		UpdatedAt: formatTime(stock.UpdatedAt),
	}
}

func (h *InventoryHandlers) getForVariants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	ids, err := pagination.ListParam(r.URL.Query(), "variant_id")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	stocks, err := h.inventory.GetForVariants(ctx, ids)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make(map[string]stockPayload, len(stocks))
	for id, stock := range stocks {
		items[id] = buildStockPayload(stock)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *InventoryHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	var filter services.InventoryLowStockFilter
	if raw := strings.TrimSpace(query.Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.Threshold = &threshold
	}
	params, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Limit = params.Limit

	stocks, err := h.inventory.ListLowStock(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]stockPayload, 0, len(stocks))
	for _, stock := range stocks {
		items = append(items, buildStockPayload(stock))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *InventoryHandlers) listMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}
	params, err := pagination.Parse(r.URL.Query(), pagination.Options{MaxLimit: 500})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	movements, err := h.inventory.ListMovements(ctx, variantID, params.Limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]movementPayload, 0, len(movements))
	for _, m := range movements {
		items = append(items, movementPayload{
			ID:                m.ID,
			VariantID:         m.VariantID,
			ProductID:         m.ProductID,
			Kind:              string(m.Kind),
			Quantity:          m.Quantity,
			PreviousAvailable: m.PreviousAvailable,
			PreviousReserved:  m.PreviousReserved,
			NewAvailable:      m.NewAvailable,
			NewReserved:       m.NewReserved,
			Reason:            m.Reason,
			ReferenceType:     m.ReferenceType,
			ReferenceID:       m.ReferenceID,
			UserID:            m.UserID,
			CreatedAt:         formatTime(m.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
