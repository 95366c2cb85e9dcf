package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/repositories"
)

// memRepoError implements repositories.RepositoryError for the in-memory store.
type memRepoError struct {
	msg      string
	notFound bool
}

func (e *memRepoError) Error() string       { return e.msg }
func (e *memRepoError) IsNotFound() bool    { return e.notFound }
func (e *memRepoError) IsConflict() bool    { return false }
func (e *memRepoError) IsUnavailable() bool { return false }

type memState struct {
	orders    map[string]domain.Order
	stocks    map[string]domain.VariantStock
	movements []domain.InventoryMovement
	customers map[string]domain.Customer
	counters  map[string]int64
}

func (s memState) clone() memState {
	orders := make(map[string]domain.Order, len(s.orders))
	for id, order := range s.orders {
		orders[id] = cloneOrder(order)
	}
	return memState{
		orders:    orders,
		stocks:    maps.Clone(s.stocks),
		movements: slices.Clone(s.movements),
		customers: maps.Clone(s.customers),
		counters:  maps.Clone(s.counters),
	}
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.Addresses = slices.Clone(order.Addresses)
	return order
}

// memStore is an in-memory registry whose RunInTx restores the previous state when fn fails.
// rowLocks records the kinds of rows locked, in order.
type memStore struct {
	state memState
	inTx  bool

	lockCalls [][]string
	rowLocks  []string
	images    []domain.ItemImage
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{state: memState{
		orders:    map[string]domain.Order{},
		stocks:    map[string]domain.VariantStock{},
		customers: map[string]domain.Customer{},
		counters:  map[string]int64{},
	}}
}

func (m *memStore) seedStock(variantID string, onHand int) {
	m.seedStockRow(variantID, onHand, 0, 0)
}

func (m *memStore) seedStockRow(variantID string, onHand, reserved, committed int) {
	stock := domain.VariantStock{
		VariantID: variantID,
		ProductID: "prod-" + variantID,
		OnHand:    onHand,
		Reserved:  reserved,
		Committed: committed,
	}
	stock.Recalculate()
	m.state.stocks[variantID] = stock
}

func (m *memStore) seedCustomer(customer domain.Customer) {
	m.state.customers[customer.ID] = customer
}

func (m *memStore) stock(variantID string) domain.VariantStock {
	return m.state.stocks[variantID]
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	snapshot := m.state.clone()
	m.inTx = true
	err := fn(context.WithValue(ctx, memTxKey{}, true))
	m.inTx = false
	if err != nil {
		m.state = snapshot
	}
	return err
}

func (m *memStore) orderRepo() *memOrderRepo         { return &memOrderRepo{m} }
func (m *memStore) inventoryRepo() *memInventoryRepo { return &memInventoryRepo{m} }
func (m *memStore) movementRepo() *memMovementRepo   { return &memMovementRepo{m} }
func (m *memStore) customerRepo() *memCustomerRepo   { return &memCustomerRepo{m} }
func (m *memStore) counterRepo() *memCounterRepo     { return &memCounterRepo{m} }
func (m *memStore) imageRepo() *memImageRepo         { return &memImageRepo{m} }

type memOrderRepo struct{ m *memStore }

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	if _, ok := r.m.state.orders[order.ID]; ok {
		return fmt.Errorf("order %s exists", order.ID)
	}
	order.Customer = nil
	r.m.state.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memOrderRepo) UpdateHeader(_ context.Context, order domain.Order) error {
	current, ok := r.m.state.orders[order.ID]
	if !ok {
		return &memRepoError{msg: "order not found", notFound: true}
	}
	order.Items = current.Items
	order.Addresses = current.Addresses
	order.Customer = nil
	r.m.state.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memOrderRepo) ReplaceItems(_ context.Context, orderID string, items []domain.OrderItem) error {
	current, ok := r.m.state.orders[orderID]
	if !ok {
		return &memRepoError{msg: "order not found", notFound: true}
	}
	current.Items = slices.Clone(items)
	r.m.state.orders[orderID] = current
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string, _ repositories.OrderLoadOptions) (domain.Order, error) {
	order, ok := r.m.state.orders[orderID]
	if !ok {
		return domain.Order{}, &memRepoError{msg: "order not found", notFound: true}
	}
	order = cloneOrder(order)
	if order.CustomerID != nil {
		if customer, ok := r.m.state.customers[*order.CustomerID]; ok {
			order.Customer = &domain.CustomerSummary{ID: customer.ID, Email: customer.Email, FirstName: customer.FirstName, LastName: customer.LastName}
		}
	}
	return order, nil
}

func (r *memOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	var matched []domain.Order
	for _, order := range r.m.state.orders {
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(order.OrderNumber), filter.Search) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OrderNumber > matched[j].OrderNumber })
	start := min((filter.Page-1)*filter.Limit, len(matched))
	end := min(start+filter.Limit, len(matched))
	return domain.Page[domain.Order]{Items: matched[start:end], Page: filter.Page, Limit: filter.Limit, TotalCount: len(matched)}, nil
}

type memInventoryRepo struct{ m *memStore }

func (r *memInventoryRepo) LockForUpdate(_ context.Context, variantIDs []string) (map[string]domain.VariantStock, error) {
	if !r.m.inTx {
		return nil, errors.New("lock outside transaction")
	}
	ids := slices.Clone(variantIDs)
	sort.Strings(ids)
	ids = slices.Compact(ids)
	r.m.lockCalls = append(r.m.lockCalls, ids)
	r.m.rowLocks = append(r.m.rowLocks, "inventory")
	rows := make(map[string]domain.VariantStock, len(ids))
	for _, id := range ids {
		if stock, ok := r.m.state.stocks[id]; ok {
			rows[id] = stock
		}
	}
	return rows, nil
}

func (r *memInventoryRepo) Save(_ context.Context, stock domain.VariantStock) error {
	if _, ok := r.m.state.stocks[stock.VariantID]; !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, stock.VariantID, "", nil)
	}
	if stock.OnHand < 0 || stock.Reserved < 0 || stock.Committed < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorNegativeCounter, stock.VariantID, "", nil)
	}
	r.m.state.stocks[stock.VariantID] = stock
	return nil
}

func (r *memInventoryRepo) FindByVariantIDs(_ context.Context, variantIDs []string) (map[string]domain.VariantStock, error) {
	rows := make(map[string]domain.VariantStock)
	for _, id := range variantIDs {
		if stock, ok := r.m.state.stocks[id]; ok {
			rows[id] = stock
		}
	}
	return rows, nil
}

func (r *memInventoryRepo) ListLowStock(_ context.Context, query repositories.InventoryLowStockQuery) ([]domain.VariantStock, error) {
	var result []domain.VariantStock
	for _, stock := range r.m.state.stocks {
		if stock.Available <= query.Threshold {
			result = append(result, stock)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Available < result[j].Available })
	if len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

type memMovementRepo struct{ m *memStore }

func (r *memMovementRepo) Append(_ context.Context, movement domain.InventoryMovement) error {
	r.m.state.movements = append(r.m.state.movements, movement)
	return nil
}

func (r *memMovementRepo) ListByVariant(_ context.Context, variantID string, limit int) ([]domain.InventoryMovement, error) {
	var result []domain.InventoryMovement
	for i := len(r.m.state.movements) - 1; i >= 0 && len(result) < limit; i-- {
		if r.m.state.movements[i].VariantID == variantID {
			result = append(result, r.m.state.movements[i])
		}
	}
	return result, nil
}

type memCustomerRepo struct{ m *memStore }

func (r *memCustomerRepo) FindByID(_ context.Context, customerID string) (domain.Customer, error) {
	customer, ok := r.m.state.customers[customerID]
	if !ok {
		return domain.Customer{}, &memRepoError{msg: "customer not found", notFound: true}
	}
	return customer, nil
}

func (r *memCustomerRepo) FindOrCreateByEmail(_ context.Context, candidate domain.Customer) (domain.Customer, error) {
	r.m.rowLocks = append(r.m.rowLocks, "customer")
	for _, customer := range r.m.state.customers {
		if strings.EqualFold(customer.Email, candidate.Email) {
			return customer, nil
		}
	}
	r.m.state.customers[candidate.ID] = candidate
	return candidate, nil
}

func (r *memCustomerRepo) IncrementAggregates(_ context.Context, customerID string, orders int, spent decimal.Decimal, now time.Time) (domain.Customer, error) {
	r.m.rowLocks = append(r.m.rowLocks, "customer")
	customer, ok := r.m.state.customers[customerID]
	if !ok {
		return domain.Customer{}, &memRepoError{msg: "customer not found", notFound: true}
	}
	customer.OrdersCount += orders
	customer.TotalSpent = customer.TotalSpent.Add(spent)
	customer.UpdatedAt = now
	r.m.state.customers[customerID] = customer
	return customer, nil
}

type memCounterRepo struct{ m *memStore }

func (r *memCounterRepo) Next(_ context.Context, counterID string, step int64) (int64, error) {
	r.m.rowLocks = append(r.m.rowLocks, "counter")
	r.m.state.counters[counterID] += step
	return r.m.state.counters[counterID], nil
}

type memImageRepo struct{ m *memStore }

func (r *memImageRepo) Resolve(_ context.Context, refs []repositories.ItemImageRef) ([]domain.ItemImage, error) {
	var result []domain.ItemImage
	for _, ref := range refs {
		for _, image := range r.m.images {
			if image.ProductID == ref.ProductID && image.VariantID == ref.VariantID {
				result = append(result, image)
				break
			}
		}
	}
	return result, nil
}

type stubSigner struct {
	calls []string
}

func (s *stubSigner) SignedURL(_ context.Context, objectPath string) (string, error) {
	s.calls = append(s.calls, objectPath)
	return "https://storage.example/" + objectPath + "?sig=1", nil
}

type recordingPublisher struct {
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.events = append(p.events, event)
	return p.err
}
