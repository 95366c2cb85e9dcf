package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/platform/auth"
	"github.com/tariky/3S-sub000/internal/platform/httpx"
	"github.com/tariky/3S-sub000/internal/platform/pagination"
	"github.com/tariky/3S-sub000/internal/platform/requestctx"
	"github.com/tariky/3S-sub000/internal/services"
)

const (
	maxOrderBodySize       = 256 * 1024
	maxOrderCancelBodySize = 4 * 1024
	maxOrderPageSize       = 100
)

// OrderHandlers exposes the order lifecycle to staff users.
type OrderHandlers struct {
	orders services.OrderService

	createGuard   func(http.Handler) http.Handler
	mutationGuard func(http.Handler) http.Handler
	limiter       *actorLimiter
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency installs the idempotency middlewares. create guards POST /orders and
// mutation guards the remaining writes.
func WithOrderIdempotency(create, mutation func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.createGuard = create
		h.mutationGuard = mutation
	}
}

// WithOrderMutationRateLimit caps order writes per actor within window.
func WithOrderMutationRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newActorLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints relative to the API prefix.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := chain(h.createGuard, h.rateLimit)
	mutate := chain(h.mutationGuard, h.rateLimit)

	r.Get("/orders", h.listOrders)
	r.With(create...).Post("/orders", h.createOrder)
	r.Get("/orders/{orderID}", h.getOrder)
	r.With(mutate...).Put("/orders/{orderID}", h.updateOrder)
	r.With(mutate...).Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.With(mutate...).Post("/orders/{orderID}:fulfill", h.fulfillOrder)
}

func chain(mws ...func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

func (h *OrderHandlers) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := h.limiter.take(auth.ActorID(r.Context())); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many order changes, retry later", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type orderItemRequest struct {
	ID           string          `json:"id"`
	ProductID    *string         `json:"product_id"`
	VariantID    *string         `json:"variant_id"`
	Title        string          `json:"title"`
	SKU          string          `json:"sku"`
	VariantTitle *string         `json:"variant_title"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
}

type orderTotalsPayload struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

type orderAddressPayload struct {
	Kind       string `json:"kind"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company,omitempty"`
	Address1   string `json:"address1"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type createOrderRequest struct {
	CustomerID       string                `json:"customer_id"`
	Email            string                `json:"email"`
	FirstName        string                `json:"first_name"`
	LastName         string                `json:"last_name"`
	Currency         string                `json:"currency"`
	Items            []orderItemRequest    `json:"items"`
	Totals           orderTotalsPayload    `json:"totals"`
	Note             string                `json:"note"`
	ShippingMethodID string                `json:"shipping_method_id"`
	PaymentMethodID  string                `json:"payment_method_id"`
	Addresses        []orderAddressPayload `json:"addresses"`
}

type updateOrderRequest struct {
	Items  []orderItemRequest `json:"items"`
	Totals orderTotalsPayload `json:"totals"`
	Note   *string            `json:"note"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	var req createOrderRequest
	if !decodeJSON(w, r, maxOrderBodySize, false, &req) {
		return
	}

	addresses := make([]domain.OrderAddress, 0, len(req.Addresses))
	for _, addr := range req.Addresses {
		addresses = append(addresses, domain.OrderAddress{
			Kind:       domain.AddressKind(strings.ToLower(strings.TrimSpace(addr.Kind))),
			FirstName:  addr.FirstName,
			LastName:   addr.LastName,
			Company:    addr.Company,
			Address1:   addr.Address1,
			Address2:   addr.Address2,
			City:       addr.City,
			Province:   addr.Province,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		})
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		ActorID:          auth.ActorID(ctx),
		CustomerID:       strings.TrimSpace(req.CustomerID),
		Email:            strings.TrimSpace(req.Email),
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Currency:         req.Currency,
		Items:            toItemInputs(req.Items),
		Totals:           req.Totals.toDomain(),
		Note:             req.Note,
		ShippingMethodID: strings.TrimSpace(req.ShippingMethodID),
		PaymentMethodID:  strings.TrimSpace(req.PaymentMethodID),
		Addresses:        addresses,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query, pagination.Options{MaxLimit: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	statuses, err := pagination.ListParam(query, "status")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.List(ctx, services.OrderListFilter{
		Search: strings.TrimSpace(query.Get("search")),
		Status: statuses,
		Page:   params.Page,
		Limit:  params.Limit,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:      items,
		Pagination: pagination.NewMeta(page.Page, page.Limit, page.TotalCount),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSON(w, r, maxOrderBodySize, false, &req) {
		return
	}

	order, err := h.orders.Update(ctx, services.UpdateOrderCommand{
		ActorID: auth.ActorID(ctx),
		OrderID: orderID,
		Items:   toItemInputs(req.Items),
		Totals:  req.Totals.toDomain(),
		Note:    req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeJSON(w, r, maxOrderCancelBodySize, true, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		ActorID: auth.ActorID(ctx),
		OrderID: orderID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) fulfillOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.Fulfill(ctx, services.FulfillOrderCommand{
		ActorID: auth.ActorID(ctx),
		OrderID: orderID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func toItemInputs(items []orderItemRequest) []services.OrderItemInput {
	out := make([]services.OrderItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, services.OrderItemInput{
			ID:           strings.TrimSpace(item.ID),
			ProductID:    trimmedPtr(item.ProductID),
			VariantID:    trimmedPtr(item.VariantID),
			Title:        item.Title,
			SKU:          strings.TrimSpace(item.SKU),
			VariantTitle: item.VariantTitle,
			Quantity:     item.Quantity,
			Price:        item.Price,
		})
	}
	return out
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (t orderTotalsPayload) toDomain() domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal: t.Subtotal,
		Tax:      t.Tax,
		Shipping: t.Shipping,
		Discount: t.Discount,
		Total:    t.Total,
	}
}

func totalsPayload(t domain.OrderTotals) orderTotalsPayload {
	return orderTotalsPayload{
		Subtotal: t.Subtotal,
		Tax:      t.Tax,
		Shipping: t.Shipping,
		Discount: t.Discount,
		Total:    t.Total,
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items      []orderSummaryPayload `json:"items"`
	Pagination pagination.Meta       `json:"pagination"`
}

type customerPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type orderSummaryPayload struct {
	ID                string           `json:"id"`
	OrderNumber       string           `json:"order_number"`
	Status            string           `json:"status"`
	FinancialStatus   string           `json:"financial_status"`
	FulfillmentStatus string           `json:"fulfillment_status"`
	Email             string           `json:"email,omitempty"`
	Currency          string           `json:"currency"`
	Total             decimal.Decimal  `json:"total"`
	Customer          *customerPayload `json:"customer,omitempty"`
	CreatedAt         string           `json:"created_at"`
}

type orderItemPayload struct {
	ID           string          `json:"id"`
	ProductID    *string         `json:"product_id,omitempty"`
	VariantID    *string         `json:"variant_id,omitempty"`
	Title        string          `json:"title"`
	SKU          string          `json:"sku,omitempty"`
	VariantTitle *string         `json:"variant_title,omitempty"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Total        decimal.Decimal `json:"total"`
	ImageURL     string          `json:"image_url,omitempty"`
	Stock        *stockPayload   `json:"stock,omitempty"`
}

type orderPayload struct {
	ID                string                `json:"id"`
	OrderNumber       string                `json:"order_number"`
	CustomerID        *string               `json:"customer_id,omitempty"`
	Email             string                `json:"email,omitempty"`
	Status            string                `json:"status"`
	FinancialStatus   string                `json:"financial_status"`
	FulfillmentStatus string                `json:"fulfillment_status"`
	Currency          string                `json:"currency"`
	Totals            orderTotalsPayload    `json:"totals"`
	Note              string                `json:"note,omitempty"`
	ShippingMethodID  *string               `json:"shipping_method_id,omitempty"`
	PaymentMethodID   *string               `json:"payment_method_id,omitempty"`
	CancelledAt       string                `json:"cancelled_at,omitempty"`
	CancelledReason   *string               `json:"cancelled_reason,omitempty"`
	Items             []orderItemPayload    `json:"items"`
	Addresses         []orderAddressPayload `json:"addresses,omitempty"`
	Customer          *customerPayload      `json:"customer,omitempty"`
	CreatedAt         string                `json:"created_at"`
	UpdatedAt         string                `json:"updated_at"`
}

func buildCustomerPayload(customer *domain.CustomerSummary) *customerPayload {
	if customer == nil {
		return nil
	}
	return &customerPayload{
		ID:        customer.ID,
		Email:     customer.Email,
		FirstName: customer.FirstName,
		LastName:  customer.LastName,
	}
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		FinancialStatus:   string(order.FinancialStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Email:             order.Email,
		Currency:          order.Currency,
		Total:             order.Totals.Total,
		Customer:          buildCustomerPayload(order.Customer),
		CreatedAt:         formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		CustomerID:        order.CustomerID,
		Email:             order.Email,
		Status:            string(order.Status),
		FinancialStatus:   string(order.FinancialStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Currency:          order.Currency,
		Totals:            totalsPayload(order.Totals),
		Note:              order.Note,
		ShippingMethodID:  order.ShippingMethodID,
		PaymentMethodID:   order.PaymentMethodID,
		CancelledReason:   order.CancelledReason,
		Items:             make([]orderItemPayload, 0, len(order.Items)),
		Customer:          buildCustomerPayload(order.Customer),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	for _, item := range order.Items {
		entry := orderItemPayload{
			ID:           item.ID,
			ProductID:    item.ProductID,
			VariantID:    item.VariantID,
			Title:        item.Title,
			SKU:          item.SKU,
			VariantTitle: item.VariantTitle,
			Quantity:     item.Quantity,
			Price:        item.Price,
			Total:        item.Total,
			ImageURL:     item.ImageURL,
		}
		if item.Stock != nil {
			stock := buildStockPayload(*item.Stock)
			entry.Stock = &stock
		}
		payload.Items = append(payload.Items, entry)
	}
	for _, addr := range order.Addresses {
		payload.Addresses = append(payload.Addresses, orderAddressPayload{
			Kind:       string(addr.Kind),
			FirstName:  addr.FirstName,
			LastName:   addr.LastName,
			Company:    addr.Company,
			Address1:   addr.Address1,
			Address2:   addr.Address2,
			City:       addr.City,
			Province:   addr.Province,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		})
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var shortage *services.InsufficientInventoryError
	switch {
	case errors.As(err, &shortage):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_inventory", shortage.Error(), http.StatusConflict).WithDetails(map[string]any{
			"title":      shortage.Title,
			"variant_id": shortage.VariantID,
			"available":  shortage.Available,
			"required":   shortage.Required,
		}))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInsufficientInventory):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_inventory", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderAlreadyFulfilled):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_fulfilled", "order is already fulfilled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("order_cancelled", "order is cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrVariantStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_stock_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently, retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order storage unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
