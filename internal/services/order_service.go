package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/platform/requestctx"
	"github.com/tariky/3S-sub000/internal/platform/textutil"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const (
	tracerName = "github.com/tariky/3S-sub000/internal/services"

	orderCounterID = "orders"

	orderIDPrefix    = "ord_"
	itemIDPrefix     = "itm_"
	movementIDPrefix = "mov_"
	customerIDPrefix = "cus_"

	defaultOrderNumberPrefix = "SO"
	defaultOrderCurrency     = "USD"
	defaultOrderPageSize     = 20
	maxOrderPageSize         = 100

	eventOrderCreated   = "order.created"
	eventOrderUpdated   = "order.updated"
	eventOrderCancelled = "order.cancelled"
	eventOrderFulfilled = "order.fulfilled"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	UnitOfWork  repositories.UnitOfWork
	Orders      repositories.OrderRepository
	Inventory   repositories.InventoryRepository
	Movements   repositories.InventoryMovementRepository
	Customers   repositories.CustomerRepository
	Counters    repositories.CounterRepository
	Images      repositories.ItemImageRepository
	ImageSigner ImageURLSigner
	Events      OrderEventPublisher

	NumberPrefix    string
	Currency        string
	DefaultPageSize int
	MaxPageSize     int

	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

type orderService struct {
	uow       repositories.UnitOfWork
	orders    repositories.OrderRepository
	inventory repositories.InventoryRepository
	movements repositories.InventoryMovementRepository
	customers repositories.CustomerRepository
	counters  repositories.CounterRepository
	images    repositories.ItemImageRepository
	signer    ImageURLSigner
	events    OrderEventPublisher

	numberPrefix    string
	currency        string
	defaultPageSize int
	maxPageSize     int

	clock     func() time.Time
	newID     func() string
	logger    *zap.Logger
	tracer    trace.Tracer
	mutations metric.Int64Counter
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.UnitOfWork == nil:
		return nil, errors.New("order service: unit of work is required")
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("order service: inventory repository is required")
	case deps.Movements == nil:
		return nil, errors.New("order service: inventory movement repository is required")
	case deps.Customers == nil:
		return nil, errors.New("order service: customer repository is required")
	case deps.Counters == nil:
		return nil, errors.New("order service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	prefix := strings.TrimSpace(deps.NumberPrefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}
	maxPage := deps.MaxPageSize
	if maxPage <= 0 {
		maxPage = maxOrderPageSize
	}
	defaultPage := deps.DefaultPageSize
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = min(defaultOrderPageSize, maxPage)
	}

	return &orderService{
		uow:             deps.UnitOfWork,
		orders:          deps.Orders,
		inventory:       deps.Inventory,
		movements:       deps.Movements,
		customers:       deps.Customers,
		counters:        deps.Counters,
		images:          deps.Images,
		signer:          deps.ImageSigner,
		events:          deps.Events,
		numberPrefix:    prefix,
		currency:        currency,
		defaultPageSize: defaultPage,
		maxPageSize:     maxPage,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		mutations: newLedgerMutationCounter(),
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.Create")
	defer func() { endSpan(span, err) }()

	items, err := normaliseItemInputs(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}
	if err := validateTotals(cmd.Totals); err != nil {
		return domain.Order{}, err
	}
	addresses, err := normaliseAddresses(cmd.Addresses)
	if err != nil {
		return domain.Order{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != currencyLength {
		return domain.Order{}, fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrOrderInvalidInput)
	}
	note, err := normaliseNote(cmd.Note)
	if err != nil {
		return domain.Order{}, err
	}
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.Order{}, fmt.Errorf("%w: email is invalid", ErrOrderInvalidInput)
		}
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	actorID := strings.TrimSpace(cmd.ActorID)

	now := s.clock()
	order = domain.Order{
		ID:                orderIDPrefix + s.newID(),
		Email:             email,
		Status:            domain.OrderStatusPending,
		FinancialStatus:   domain.FinancialStatusPending,
		FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
		Currency:          currency,
		Totals:            cmd.Totals,
		Note:              note,
		ShippingMethodID:  optionalString(cmd.ShippingMethodID),
		PaymentMethodID:   optionalString(cmd.PaymentMethodID),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.Items = s.buildItems(order.ID, items, nil)
	for i := range addresses {
		addresses[i].OrderID = order.ID
	}
	order.Addresses = addresses

	var touched []string
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		order.CustomerID = nil
		order.Email = email

		// Inventory rows are locked before the customer and counter rows, the same order
		// Fulfill takes them in.
		ledger := s.newLedger(now)
		if err := ledger.lock(ctx, variantIDs(order.Items)); err != nil {
			return s.mapRepositoryError(err)
		}

		customer, err := s.resolveCustomer(ctx, customerID, email, cmd.FirstName, cmd.LastName, now)
		if err != nil {
			return err
		}
		if customer != nil {
			order.CustomerID = &customer.ID
			if order.Email == "" {
				order.Email = customer.Email
			}
		}

		number, err := s.nextOrderNumber(ctx)
		if err != nil {
			return err
		}
		order.OrderNumber = number

		if err := s.orders.Insert(ctx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		reason := "Order created: " + number
		for _, item := range order.Items {
			if item.VariantID == nil {
				continue
			}
			if err := s.reserve(ctx, ledger, item.Title, *item.VariantID, item.Quantity, movementSpec{
				Kind:     domain.MovementKindReservation,
				Quantity: item.Quantity,
				Reason:   reason,
				OrderID:  order.ID,
				ActorID:  actorID,
			}); err != nil {
				return err
			}
		}
		touched = ledger.touchedVariants()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.log(ctx).Info("order created",
		zap.String("orderId", order.ID),
		zap.String("orderNumber", order.OrderNumber),
		zap.Int("items", len(order.Items)))
	s.publishEvent(ctx, OrderEvent{
		Type:          eventOrderCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actorID,
		VariantIDs:    touched,
		OccurredAt:    now,
	})
	return s.refresh(ctx, order), nil
}

func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error) {
	ctx, span := s.tracer.Start(ctx, "orders.List")
	defer span.End()

	statuses := make([]domain.OrderStatus, 0, len(filter.Status))
	seen := make(map[domain.OrderStatus]bool, len(filter.Status))
	for _, raw := range filter.Status {
		status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
		if status == "" || seen[status] {
			continue
		}
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusFulfilled, domain.OrderStatusCancelled:
		default:
			return domain.Page[domain.Order]{}, fmt.Errorf("%w: unsupported status %q", ErrOrderInvalidInput, raw)
		}
		seen[status] = true
		statuses = append(statuses, status)
	}

	page := filter.Page
	if page < 0 {
		return domain.Page[domain.Order]{}, fmt.Errorf("%w: page must be positive", ErrOrderInvalidInput)
	}
	if page == 0 {
		page = 1
	}
	limit := filter.Limit
	switch {
	case limit < 0:
		return domain.Page[domain.Order]{}, fmt.Errorf("%w: limit must be positive", ErrOrderInvalidInput)
	case limit == 0:
		limit = s.defaultPageSize
	case limit > s.maxPageSize:
		limit = s.maxPageSize
	}

	result, err := s.orders.List(ctx, repositories.OrderListFilter{
		Search: textutil.NormalizeSearch(filter.Search),
		Status: statuses,
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		return domain.Page[domain.Order]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Get")
	defer span.End()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return s.readOrder(ctx, orderID)
}

func (s *orderService) Update(ctx context.Context, cmd UpdateOrderCommand) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.Update")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	items, err := normaliseItemInputs(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}
	if err := validateTotals(cmd.Totals); err != nil {
		return domain.Order{}, err
	}
	var note *string
	if cmd.Note != nil {
		normalised, err := normaliseNote(*cmd.Note)
		if err != nil {
			return domain.Order{}, err
		}
		note = &normalised
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	now := s.clock()

	var touched []string
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, orderID, repositories.OrderLoadOptions{ForUpdate: true})
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := ensureEditable(current); err != nil {
			return err
		}

		diff := diffOrderItems(current.Items, items)
		ledger := s.newLedger(now)
		if err := ledger.lock(ctx, diff.variantIDs()); err != nil {
			return s.mapRepositoryError(err)
		}

		for _, change := range diff.changes {
			spec := movementSpec{OrderID: current.ID, ActorID: actorID}
			switch change.kind {
			case itemRemoved:
				spec.Kind = domain.MovementKindCancellation
				spec.Quantity = change.delta()
				spec.Reason = "Order item removed"
				if err := s.release(ctx, ledger, change.variantID, change.oldQuantity, spec); err != nil {
					return err
				}
			case itemQuantityChanged:
				delta := change.delta()
				spec.Kind = domain.MovementKindCancellation
				if delta > 0 {
					spec.Kind = domain.MovementKindReservation
				}
				spec.Quantity = delta
				spec.Reason = "Order item quantity changed: " + current.OrderNumber
				if err := s.adjust(ctx, ledger, change.title, change.variantID, delta, spec); err != nil {
					return err
				}
			case itemAdded:
				spec.Kind = domain.MovementKindReservation
				spec.Quantity = change.newQuantity
				spec.Reason = "Order item added: " + current.OrderNumber
				if err := s.reserve(ctx, ledger, change.title, change.variantID, change.newQuantity, spec); err != nil {
					return err
				}
			}
		}

		newItems := s.buildItems(current.ID, items, current.Items)
		if err := s.orders.ReplaceItems(ctx, current.ID, newItems); err != nil {
			return s.mapRepositoryError(err)
		}

		current.Totals = cmd.Totals
		if note != nil {
			current.Note = *note
		}
		current.UpdatedAt = now
		if err := s.orders.UpdateHeader(ctx, current); err != nil {
			return s.mapRepositoryError(err)
		}

		order = current
		order.Items = newItems
		touched = ledger.touchedVariants()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.log(ctx).Info("order updated",
		zap.String("orderId", order.ID),
		zap.Strings("variants", touched))
	s.publishEvent(ctx, OrderEvent{
		Type:           eventOrderUpdated,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		VariantIDs:     touched,
		OccurredAt:     now,
	})
	return s.refresh(ctx, order), nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.Cancel")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason, err := normaliseNote(cmd.Reason)
	if err != nil {
		return domain.Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	now := s.clock()

	var (
		previous domain.OrderStatus
		touched  []string
	)
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, orderID, repositories.OrderLoadOptions{ForUpdate: true})
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s", ErrOrderCancelled, current.OrderNumber)
		}
		if current.Status == domain.OrderStatusFulfilled {
			s.log(ctx).Warn("cancelling a fulfilled order releases reservations that may belong to other open orders",
				zap.String("orderId", current.ID),
				zap.String("orderNumber", current.OrderNumber))
		}
		previous = current.Status

		ledger := s.newLedger(now)
		if err := ledger.lock(ctx, variantIDs(current.Items)); err != nil {
			return s.mapRepositoryError(err)
		}
		cancelReason := "Order cancelled: " + current.OrderNumber
		for _, item := range current.Items {
			if item.VariantID == nil {
				continue
			}
			if err := s.release(ctx, ledger, *item.VariantID, item.Quantity, movementSpec{
				Kind:     domain.MovementKindCancellation,
				Quantity: -item.Quantity,
				Reason:   cancelReason,
				OrderID:  current.ID,
				ActorID:  actorID,
			}); err != nil {
				return err
			}
		}

		current.Status = domain.OrderStatusCancelled
		current.FinancialStatus = domain.FinancialStatusRefunded
		current.FulfillmentStatus = domain.FulfillmentStatusUnfulfilled
		current.CancelledAt = &now
		current.CancelledReason = optionalString(reason)
		current.UpdatedAt = now
		if err := s.orders.UpdateHeader(ctx, current); err != nil {
			return s.mapRepositoryError(err)
		}

		order = current
		touched = ledger.touchedVariants()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.log(ctx).Info("order cancelled", zap.String("orderId", order.ID), zap.String("previousStatus", string(previous)))
	s.publishEvent(ctx, OrderEvent{
		Type:           eventOrderCancelled,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		VariantIDs:     touched,
		OccurredAt:     now,
	})
	return s.refresh(ctx, order), nil
}

func (s *orderService) Fulfill(ctx context.Context, cmd FulfillOrderCommand) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.Fulfill")
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	now := s.clock()

	var (
		previous domain.OrderStatus
		touched  []string
	)
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.orders.FindByID(ctx, orderID, repositories.OrderLoadOptions{ForUpdate: true})
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.FulfillmentStatus == domain.FulfillmentStatusFulfilled {
			return fmt.Errorf("%w: order %s", ErrOrderAlreadyFulfilled, current.OrderNumber)
		}
		if current.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s", ErrOrderCancelled, current.OrderNumber)
		}
		previous = current.Status

		ledger := s.newLedger(now)
		if err := ledger.lock(ctx, variantIDs(current.Items)); err != nil {
			return s.mapRepositoryError(err)
		}
		reason := "Order fulfillment: " + current.OrderNumber
		for _, item := range current.Items {
			if item.VariantID == nil {
				continue
			}
			variantID := *item.VariantID
			stock, ok := ledger.stock(variantID)
			if !ok {
				return fmt.Errorf("%w: variant %s", ErrVariantStockNotFound, variantID)
			}
			if stock.OnHand < item.Quantity {
				return &InsufficientInventoryError{
					Title:     item.Title,
					VariantID: variantID,
					Available: stock.OnHand,
					Required:  item.Quantity,
				}
			}
			if _, err := ledger.apply(ctx, variantID, stockDelta{
				Reserved:  -item.Quantity,
				Committed: -item.Quantity,
				OnHand:    -item.Quantity,
			}, movementSpec{
				Kind:     domain.MovementKindFulfillment,
				Quantity: -item.Quantity,
				Reason:   reason,
				OrderID:  current.ID,
				ActorID:  actorID,
			}); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		current.Status = domain.OrderStatusFulfilled
		current.FinancialStatus = domain.FinancialStatusPaid
		current.FulfillmentStatus = domain.FulfillmentStatusFulfilled
		current.UpdatedAt = now
		if err := s.orders.UpdateHeader(ctx, current); err != nil {
			return s.mapRepositoryError(err)
		}

		if current.CustomerID != nil {
			if _, err := s.customers.IncrementAggregates(ctx, *current.CustomerID, 1, current.Totals.Total, now); err != nil {
				if isRepositoryNotFound(err) {
					return fmt.Errorf("%w: customer %s of order %s not found", ErrOrderConflict, *current.CustomerID, current.OrderNumber)
				}
				return s.mapRepositoryError(err)
			}
		}

		order = current
		touched = ledger.touchedVariants()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.log(ctx).Info("order fulfilled", zap.String("orderId", order.ID), zap.String("total", order.Totals.Total.StringFixed(2)))
	s.publishEvent(ctx, OrderEvent{
		Type:           eventOrderFulfilled,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		VariantIDs:     touched,
		OccurredAt:     now,
	})
	return s.refresh(ctx, order), nil
}

// reserve checks availability and moves reserved and committed up by quantity. Variants without a
// stock row are not tracked and are skipped.
func (s *orderService) reserve(ctx context.Context, ledger *stockLedger, title, variantID string, quantity int, spec movementSpec) error {
	stock, ok := ledger.stock(variantID)
	if !ok {
		s.log(ctx).Debug("variant has no stock row, reservation skipped", zap.String("variantId", variantID))
		return nil
	}
	if stock.Available < quantity {
		return &InsufficientInventoryError{Title: title, VariantID: variantID, Available: stock.Available, Required: quantity}
	}
	_, err := ledger.apply(ctx, variantID, stockDelta{Reserved: quantity, Committed: quantity}, spec)
	return s.mapRepositoryError(err)
}

// release moves reserved and committed down by quantity.
func (s *orderService) release(ctx context.Context, ledger *stockLedger, variantID string, quantity int, spec movementSpec) error {
	if _, ok := ledger.stock(variantID); !ok {
		return nil
	}
	_, err := ledger.apply(ctx, variantID, stockDelta{Reserved: -quantity, Committed: -quantity}, spec)
	return s.mapRepositoryError(err)
}

// adjust applies a signed quantity change, checking availability when it grows.
func (s *orderService) adjust(ctx context.Context, ledger *stockLedger, title, variantID string, delta int, spec movementSpec) error {
	if delta > 0 {
		return s.reserve(ctx, ledger, title, variantID, delta, spec)
	}
	return s.release(ctx, ledger, variantID, -delta, spec)
}

func (s *orderService) newLedger(now time.Time) *stockLedger {
	return &stockLedger{
		inventory: s.inventory,
		movements: s.movements,
		newID: func() string {
			return movementIDPrefix + s.newID()
		},
		now:       now,
		mutations: s.mutations,
	}
}

func (s *orderService) resolveCustomer(ctx context.Context, customerID, email, firstName, lastName string, now time.Time) (*domain.Customer, error) {
	if customerID != "" {
		customer, err := s.customers.FindByID(ctx, customerID)
		if err != nil {
			if isRepositoryNotFound(err) {
				return nil, fmt.Errorf("%w: customer %s not found", ErrOrderInvalidInput, customerID)
			}
			return nil, s.mapRepositoryError(err)
		}
		return &customer, nil
	}
	if email == "" {
		return nil, nil
	}
	customer, err := s.customers.FindOrCreateByEmail(ctx, domain.Customer{
		ID:         customerIDPrefix + s.newID(),
		Email:      email,
		FirstName:  strings.TrimSpace(firstName),
		LastName:   strings.TrimSpace(lastName),
		TotalSpent: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return &customer, nil
}

func (s *orderService) nextOrderNumber(ctx context.Context) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidSequence) {
			return "", fmt.Errorf("order: allocate order number: %w", err)
		}
		return "", s.mapRepositoryError(err)
	}
	return fmt.Sprintf("%s-%06d", s.numberPrefix, seq), nil
}

// buildItems snapshots desired items into line items. An input id is kept when it names an
// existing line of the order; otherwise a fresh id is generated.
func (s *orderService) buildItems(orderID string, inputs []OrderItemInput, existing []domain.OrderItem) []domain.OrderItem {
	known := make(map[string]bool, len(existing))
	for _, item := range existing {
		known[item.ID] = true
	}
	items := make([]domain.OrderItem, 0, len(inputs))
	for i, input := range inputs {
		id := input.ID
		if id == "" || !known[id] {
			id = itemIDPrefix + s.newID()
		}
		items = append(items, domain.OrderItem{
			ID:           id,
			OrderID:      orderID,
			ProductID:    input.ProductID,
			VariantID:    input.VariantID,
			Title:        input.Title,
			SKU:          input.SKU,
			VariantTitle: input.VariantTitle,
			Quantity:     input.Quantity,
			Price:        input.Price,
			Total:        input.Price.Mul(decimal.NewFromInt(int64(input.Quantity))),
			Position:     i,
		})
	}
	return items
}

// refresh re-reads a committed order with its read model. The committed copy is returned when the
// read fails so a successful mutation is never reported as an error.
func (s *orderService) refresh(ctx context.Context, order domain.Order) domain.Order {
	loaded, err := s.readOrder(ctx, order.ID)
	if err != nil {
		s.log(ctx).Warn("reload after commit failed", zap.String("orderId", order.ID), zap.Error(err))
		return order
	}
	return loaded
}

func (s *orderService) readOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID, repositories.OrderLoadOptions{})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if ids := variantIDs(order.Items); len(ids) > 0 {
		stocks, err := s.inventory.FindByVariantIDs(ctx, ids)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		for i := range order.Items {
			if order.Items[i].VariantID == nil {
				continue
			}
			if stock, ok := stocks[*order.Items[i].VariantID]; ok {
				order.Items[i].Stock = &stock
			}
		}
	}

	s.attachImages(ctx, order.Items)
	return order, nil
}

func (s *orderService) attachImages(ctx context.Context, items []domain.OrderItem) {
	if s.images == nil || s.signer == nil || len(items) == 0 {
		return
	}
	refs := make([]repositories.ItemImageRef, 0, len(items))
	for _, item := range items {
		if item.ProductID == nil {
			continue
		}
		ref := repositories.ItemImageRef{ProductID: *item.ProductID}
		if item.VariantID != nil {
			ref.VariantID = *item.VariantID
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return
	}

	images, err := s.images.Resolve(ctx, refs)
	if err != nil {
		s.log(ctx).Warn("resolve item images failed", zap.Error(err))
		return
	}
	paths := make(map[repositories.ItemImageRef]string, len(images))
	for _, image := range images {
		paths[repositories.ItemImageRef{ProductID: image.ProductID, VariantID: image.VariantID}] = image.ObjectPath
	}

	signed := make(map[string]string, len(paths))
	for i := range items {
		if items[i].ProductID == nil {
			continue
		}
		ref := repositories.ItemImageRef{ProductID: *items[i].ProductID}
		if items[i].VariantID != nil {
			ref.VariantID = *items[i].VariantID
		}
		path, ok := paths[ref]
		if !ok {
			continue
		}
		url, ok := signed[path]
		if !ok {
			url, err = s.signer.SignedURL(ctx, path)
			if err != nil {
				s.log(ctx).Warn("sign item image failed", zap.String("object", path), zap.Error(err))
				continue
			}
			signed[path] = url
		}
		items[i].ImageURL = url
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.log(ctx).Error("order event publish failed",
			zap.String("type", event.Type),
			zap.String("orderId", event.OrderID),
			zap.Error(err))
	}
}

func (s *orderService) log(ctx context.Context) *zap.Logger {
	return requestctx.LoggerOr(ctx, s.logger)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %w", ErrVariantStockNotFound, err)
		case repositories.InventoryErrorContention, repositories.InventoryErrorNegativeCounter:
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
		}
	}
	return err
}

func ensureEditable(order domain.Order) error {
	switch {
	case order.Status == domain.OrderStatusCancelled:
		return fmt.Errorf("%w: order %s", ErrOrderCancelled, order.OrderNumber)
	case order.Status == domain.OrderStatusFulfilled, order.FulfillmentStatus == domain.FulfillmentStatusFulfilled:
		return fmt.Errorf("%w: order %s", ErrOrderAlreadyFulfilled, order.OrderNumber)
	}
	return nil
}

func normaliseNote(value string) (string, error) {
	note := textutil.SanitizePlainText(value)
	if utf8.RuneCountInString(note) > maxNoteLength {
		return "", fmt.Errorf("%w: note must be at most %d characters", ErrOrderInvalidInput, maxNoteLength)
	}
	return note, nil
}

func variantIDs(items []domain.OrderItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.VariantID != nil {
			ids = append(ids, *item.VariantID)
		}
	}
	return ids
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
