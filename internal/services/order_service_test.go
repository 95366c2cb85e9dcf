package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
)

var testNow = time.Date(2025, time.June, 2, 10, 30, 0, 0, time.UTC)

type orderFixture struct {
	store     *memStore
	signer    *stubSigner
	publisher *recordingPublisher
	svc       OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	store := newMemStore()
	signer := &stubSigner{}
	publisher := &recordingPublisher{}
	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		UnitOfWork:  store,
		Orders:      store.orderRepo(),
		Inventory:   store.inventoryRepo(),
		Movements:   store.movementRepo(),
		Customers:   store.customerRepo(),
		Counters:    store.counterRepo(),
		Images:      store.imageRepo(),
		ImageSigner: signer,
		Events:      publisher,
		Clock:       func() time.Time { return testNow },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%04d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return &orderFixture{store: store, signer: signer, publisher: publisher, svc: svc}
}

func strPtr(value string) *string { return &value }

func money(value string) decimal.Decimal { return decimal.RequireFromString(value) }

func variantItem(variantID string, quantity int, price string) OrderItemInput {
	return OrderItemInput{
		ProductID: strPtr("prod-" + variantID),
		VariantID: strPtr(variantID),
		Title:     "Item " + variantID,
		SKU:       "SKU-" + variantID,
		Quantity:  quantity,
		Price:     money(price),
	}
}

// totalsFor builds totals with no tax, shipping or discount.
func totalsFor(items ...OrderItemInput) domain.OrderTotals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return domain.OrderTotals{Subtotal: subtotal, Total: subtotal}
}

func (f *orderFixture) create(t *testing.T, items ...OrderItemInput) domain.Order {
	t.Helper()
	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		ActorID: "staff-1",
		Items:   items,
		Totals:  totalsFor(items...),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

func assertStock(t *testing.T, stock domain.VariantStock, onHand, reserved, committed, available int) {
	t.Helper()
	if stock.OnHand != onHand || stock.Reserved != reserved || stock.Committed != committed || stock.Available != available {
		t.Fatalf("expected stock onHand=%d reserved=%d committed=%d available=%d, got %+v",
			onHand, reserved, committed, available, stock)
	}
	if stock.Available != stock.OnHand-stock.Reserved-stock.Committed {
		t.Fatalf("available out of sync with counters: %+v", stock)
	}
}

func TestOrderServiceCreateReservesStock(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)

	order := f.create(t, variantItem("var-a", 3, "12.50"))

	if order.OrderNumber != "SO-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending || order.FinancialStatus != domain.FinancialStatusPending ||
		order.FulfillmentStatus != domain.FulfillmentStatusUnfulfilled {
		t.Fatalf("unexpected statuses: %s/%s/%s", order.Status, order.FinancialStatus, order.FulfillmentStatus)
	}
	if len(order.Items) != 1 || !order.Items[0].Total.Equal(money("37.50")) {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	assertStock(t, f.store.stock("var-a"), 10, 3, 3, 4)

	movements := f.store.state.movements
	if len(movements) != 1 {
		t.Fatalf("expected one movement, got %d", len(movements))
	}
	m := movements[0]
	if m.Kind != domain.MovementKindReservation || m.Quantity != 3 || m.Reason != "Order created: SO-000001" {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if m.PreviousAvailable != 10 || m.PreviousReserved != 0 || m.NewAvailable != 4 || m.NewReserved != 3 {
		t.Fatalf("unexpected movement snapshots: %+v", m)
	}
	if m.ReferenceType != "order" || m.ReferenceID != order.ID || m.UserID == nil || *m.UserID != "staff-1" {
		t.Fatalf("unexpected movement reference: %+v", m)
	}

	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != eventOrderCreated {
		t.Fatalf("expected order.created event, got %+v", f.publisher.events)
	}
	if !reflect.DeepEqual(f.publisher.events[0].VariantIDs, []string{"var-a"}) {
		t.Fatalf("unexpected event variants %v", f.publisher.events[0].VariantIDs)
	}
}

func TestOrderServiceCreateInsufficientInventoryRollsBack(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	f.store.seedStock("var-b", 2)

	items := []OrderItemInput{variantItem("var-a", 1, "5.00"), variantItem("var-b", 3, "5.00")}
	_, err := f.svc.Create(context.Background(), CreateOrderCommand{Items: items, Totals: totalsFor(items...)})
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
	var insufficient *InsufficientInventoryError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientInventoryError, got %T", err)
	}
	if insufficient.VariantID != "var-b" || insufficient.Available != 2 || insufficient.Required != 3 || insufficient.Title != "Item var-b" {
		t.Fatalf("unexpected error details: %+v", insufficient)
	}

	assertStock(t, f.store.stock("var-a"), 10, 0, 0, 10)
	assertStock(t, f.store.stock("var-b"), 2, 0, 0, 2)
	if len(f.store.state.orders) != 0 || len(f.store.state.movements) != 0 {
		t.Fatalf("expected no persisted writes, got %d orders and %d movements", len(f.store.state.orders), len(f.store.state.movements))
	}
	if len(f.publisher.events) != 0 {
		t.Fatalf("expected no events, got %d", len(f.publisher.events))
	}
}

func TestOrderServiceCreateLocksVariantsInOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-c", 5)
	f.store.seedStock("var-a", 5)

	f.create(t, variantItem("var-c", 1, "1.00"), variantItem("var-a", 1, "1.00"))

	if !reflect.DeepEqual(f.store.lockCalls, [][]string{{"var-a", "var-c"}}) {
		t.Fatalf("unexpected lock calls %v", f.store.lockCalls)
	}
}

func TestOrderServiceCreateFreeformItemsSkipLedger(t *testing.T) {
	f := newOrderFixture(t)
	item := OrderItemInput{Title: "Gift wrap", Quantity: 1, Price: money("3.00")}

	order := f.create(t, item)

	if len(order.Items) != 1 || order.Items[0].VariantID != nil {
		t.Fatalf("unexpected items %+v", order.Items)
	}
	if len(f.store.state.movements) != 0 {
		t.Fatalf("expected no movements, got %d", len(f.store.state.movements))
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	item := variantItem("var-a", 1, "10.00")

	tests := []struct {
		name string
		cmd  CreateOrderCommand
	}{
		{"no items", CreateOrderCommand{Totals: domain.OrderTotals{}}},
		{"zero quantity", CreateOrderCommand{Items: []OrderItemInput{variantItem("var-a", 0, "1.00")}}},
		{"total mismatch", CreateOrderCommand{Items: []OrderItemInput{item}, Totals: domain.OrderTotals{Subtotal: money("10.00"), Total: money("12.00")}}},
		{"negative tax", CreateOrderCommand{Items: []OrderItemInput{item}, Totals: domain.OrderTotals{Subtotal: money("10.00"), Tax: money("-1"), Total: money("9.00")}}},
		{"duplicate variant", CreateOrderCommand{Items: []OrderItemInput{item, item}, Totals: domain.OrderTotals{Subtotal: money("20.00"), Total: money("20.00")}}},
		{"bad email", CreateOrderCommand{Email: "not-an-email", Items: []OrderItemInput{item}, Totals: totalsFor(item)}},
		{"incomplete address", CreateOrderCommand{
			Items:     []OrderItemInput{item},
			Totals:    totalsFor(item),
			Addresses: []domain.OrderAddress{{Kind: domain.AddressKindShipping, FirstName: "Ana"}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	assertStock(t, f.store.stock("var-a"), 10, 0, 0, 10)
}

func TestOrderServiceCreateResolvesCustomerByEmail(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedCustomer(domain.Customer{ID: "cus_existing", Email: "ana@example.com"})
	item := OrderItemInput{Title: "Poster", Quantity: 1, Price: money("9.00")}

	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Email:  " Ana@Example.com ",
		Items:  []OrderItemInput{item},
		Totals: totalsFor(item),
		Note:   "<b>ring</b> twice",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.CustomerID == nil || *order.CustomerID != "cus_existing" {
		t.Fatalf("expected existing customer, got %v", order.CustomerID)
	}
	if order.Customer == nil || order.Customer.Email != "ana@example.com" {
		t.Fatalf("expected customer summary, got %+v", order.Customer)
	}
	if order.Note != "ring twice" {
		t.Fatalf("expected sanitized note, got %q", order.Note)
	}

	_, err = f.svc.Create(context.Background(), CreateOrderCommand{
		CustomerID: "cus_missing",
		Items:      []OrderItemInput{item},
		Totals:     totalsFor(item),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown customer, got %v", err)
	}
}

func TestOrderServiceCancelRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 8)
	f.store.seedStock("var-b", 4)

	order := f.create(t, variantItem("var-a", 2, "4.00"), variantItem("var-b", 1, "4.00"))
	assertStock(t, f.store.stock("var-a"), 8, 2, 2, 4)

	cancelled, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Reason: " customer request "})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.FinancialStatus != domain.FinancialStatusRefunded ||
		cancelled.FulfillmentStatus != domain.FulfillmentStatusUnfulfilled {
		t.Fatalf("unexpected statuses: %+v", cancelled)
	}
	if cancelled.CancelledAt == nil || !cancelled.CancelledAt.Equal(testNow) {
		t.Fatalf("expected cancelledAt %s, got %v", testNow, cancelled.CancelledAt)
	}
	if cancelled.CancelledReason == nil || *cancelled.CancelledReason != "customer request" {
		t.Fatalf("unexpected reason %v", cancelled.CancelledReason)
	}
	assertStock(t, f.store.stock("var-a"), 8, 0, 0, 8)
	assertStock(t, f.store.stock("var-b"), 4, 0, 0, 4)

	last := f.store.state.movements[len(f.store.state.movements)-1]
	if last.Kind != domain.MovementKindCancellation || last.Quantity != -1 || last.Reason != "Order cancelled: SO-000001" {
		t.Fatalf("unexpected cancellation movement %+v", last)
	}

	_, err = f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID})
	if !errors.Is(err, ErrOrderCancelled) {
		t.Fatalf("expected ErrOrderCancelled on second cancel, got %v", err)
	}
}

func TestOrderServiceCancelNotFound(t *testing.T) {
	f := newOrderFixture(t)
	_, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_missing"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceCancelFulfilledReleasesSharedReservations(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)

	first := f.create(t, variantItem("var-a", 3, "1.00"))
	second := f.create(t, variantItem("var-a", 2, "1.00"))
	if _, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: first.ID}); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	assertStock(t, f.store.stock("var-a"), 7, 2, 2, 3)

	cancelled, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: first.ID, ActorID: "staff-3"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.FulfillmentStatus != domain.FulfillmentStatusUnfulfilled {
		t.Fatalf("unexpected statuses: %s/%s", cancelled.Status, cancelled.FulfillmentStatus)
	}

	// The release of 3 is floored at zero, which also drops the 2 units the second order holds.
	assertStock(t, f.store.stock("var-a"), 7, 0, 0, 7)
	if pending := f.store.state.orders[second.ID]; pending.Status != domain.OrderStatusPending || pending.Items[0].Quantity != 2 {
		t.Fatalf("expected second order untouched, got %s with %+v", pending.Status, pending.Items)
	}

	movements := f.store.state.movements
	if len(movements) != 4 {
		t.Fatalf("expected 4 movements, got %d", len(movements))
	}
	last := movements[3]
	if last.Kind != domain.MovementKindCancellation || last.Quantity != -3 || last.ReferenceID != first.ID {
		t.Fatalf("unexpected cancellation movement %+v", last)
	}
	if last.PreviousAvailable != 3 || last.PreviousReserved != 2 || last.NewAvailable != 7 || last.NewReserved != 0 {
		t.Fatalf("unexpected snapshots %+v", last)
	}
	if last.UserID == nil || *last.UserID != "staff-3" {
		t.Fatalf("expected actor on movement, got %v", last.UserID)
	}
}

func TestOrderServiceCreateRespectsExistingReservations(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStockRow("var-a", 5, 1, 2)

	item := variantItem("var-a", 5, "1.00")
	_, err := f.svc.Create(context.Background(), CreateOrderCommand{Items: []OrderItemInput{item}, Totals: totalsFor(item)})
	var insufficient *InsufficientInventoryError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientInventoryError, got %v", err)
	}
	if insufficient.Available != 2 || insufficient.Required != 5 {
		t.Fatalf("unexpected details %+v", insufficient)
	}
	assertStock(t, f.store.stock("var-a"), 5, 1, 2, 2)
	if len(f.store.state.orders) != 0 || len(f.store.state.movements) != 0 {
		t.Fatalf("expected no writes, got %d orders and %d movements", len(f.store.state.orders), len(f.store.state.movements))
	}
}

func TestOrderServiceLocksInventoryBeforeCustomer(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 5)
	item := variantItem("var-a", 1, "3.00")

	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Email:  "mia@example.com",
		Items:  []OrderItemInput{item},
		Totals: totalsFor(item),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := []string{"inventory", "customer", "counter"}; !reflect.DeepEqual(f.store.rowLocks, want) {
		t.Fatalf("create: expected lock order %v, got %v", want, f.store.rowLocks)
	}

	f.store.rowLocks = nil
	if _, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if want := []string{"inventory", "customer"}; !reflect.DeepEqual(f.store.rowLocks, want) {
		t.Fatalf("fulfill: expected lock order %v, got %v", want, f.store.rowLocks)
	}
}

func TestOrderServiceFulfillConsumesStock(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)

	order := f.create(t, variantItem("var-a", 3, "2.00"))
	fulfilled, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: order.ID, ActorID: "staff-2"})
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if fulfilled.Status != domain.OrderStatusFulfilled || fulfilled.FinancialStatus != domain.FinancialStatusPaid ||
		fulfilled.FulfillmentStatus != domain.FulfillmentStatusFulfilled {
		t.Fatalf("unexpected statuses: %+v", fulfilled)
	}
	assertStock(t, f.store.stock("var-a"), 7, 0, 0, 7)

	last := f.store.state.movements[len(f.store.state.movements)-1]
	if last.Kind != domain.MovementKindFulfillment || last.Quantity != -3 || last.Reason != "Order fulfillment: SO-000001" {
		t.Fatalf("unexpected fulfillment movement %+v", last)
	}
	if last.PreviousAvailable != 4 || last.PreviousReserved != 3 || last.NewAvailable != 7 || last.NewReserved != 0 {
		t.Fatalf("unexpected snapshots %+v", last)
	}
}

func TestOrderServiceFulfillPreconditions(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)

	fulfilled := f.create(t, variantItem("var-a", 1, "1.00"))
	if _, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: fulfilled.ID}); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	cancelled := f.create(t, variantItem("var-a", 1, "1.00"))
	if _, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: cancelled.ID}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	before := f.store.stock("var-a")
	movements := len(f.store.state.movements)

	tests := []struct {
		name    string
		orderID string
		want    error
	}{
		{"missing", "ord_missing", ErrOrderNotFound},
		{"already fulfilled", fulfilled.ID, ErrOrderAlreadyFulfilled},
		{"cancelled", cancelled.ID, ErrOrderCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: tc.orderID})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if f.store.stock("var-a") != before || len(f.store.state.movements) != movements {
		t.Fatal("expected no ledger mutation for rejected fulfillments")
	}
}

func TestOrderServiceFulfillMissingStockRow(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 5)
	order := f.create(t, variantItem("var-a", 1, "1.00"), variantItem("var-untracked", 1, "1.00"))

	_, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: order.ID})
	if !errors.Is(err, ErrVariantStockNotFound) {
		t.Fatalf("expected ErrVariantStockNotFound, got %v", err)
	}
	assertStock(t, f.store.stock("var-a"), 5, 1, 1, 3)
	stored := f.store.state.orders[order.ID]
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", stored.Status)
	}
}

func TestOrderServiceFulfillRequiresOnHand(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 5)
	order := f.create(t, variantItem("var-a", 2, "1.00"))

	stock := f.store.state.stocks["var-a"]
	stock.OnHand = 1
	stock.Recalculate()
	f.store.state.stocks["var-a"] = stock

	_, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: order.ID})
	var insufficient *InsufficientInventoryError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientInventoryError, got %v", err)
	}
	if insufficient.Available != 1 || insufficient.Required != 2 {
		t.Fatalf("unexpected details %+v", insufficient)
	}
}

func TestOrderServiceFulfillUpdatesCustomerAggregates(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedCustomer(domain.Customer{ID: "cus_1", Email: "ana@example.com", OrdersCount: 2, TotalSpent: money("10.01")})
	item := OrderItemInput{Title: "Poster", Quantity: 1, Price: money("40.00")}

	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1",
		Items:      []OrderItemInput{item},
		Totals: domain.OrderTotals{
			Subtotal: money("40.00"),
			Tax:      money("4.99"),
			Shipping: money("5.00"),
			Total:    money("49.99"),
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.Fulfill(context.Background(), FulfillOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}

	customer := f.store.state.customers["cus_1"]
	if customer.OrdersCount != 3 || !customer.TotalSpent.Equal(money("60.00")) {
		t.Fatalf("unexpected aggregates: count=%d spent=%s", customer.OrdersCount, customer.TotalSpent)
	}
}

func TestOrderServiceUpdateQuantityChanges(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 20)
	order := f.create(t, variantItem("var-a", 2, "1.00"))

	grow := variantItem("var-a", 5, "1.00")
	grow.ID = order.Items[0].ID
	updated, err := f.svc.Update(context.Background(), UpdateOrderCommand{OrderID: order.ID, Items: []OrderItemInput{grow}, Totals: totalsFor(grow)})
	if err != nil {
		t.Fatalf("Update grow: %v", err)
	}
	assertStock(t, f.store.stock("var-a"), 20, 5, 5, 10)
	if updated.Items[0].ID != order.Items[0].ID || updated.Items[0].Quantity != 5 {
		t.Fatalf("unexpected items after update: %+v", updated.Items)
	}
	last := f.store.state.movements[len(f.store.state.movements)-1]
	if last.Kind != domain.MovementKindReservation || last.Quantity != 3 || last.Reason != "Order item quantity changed: SO-000001" {
		t.Fatalf("unexpected movement %+v", last)
	}

	shrink := variantItem("var-a", 2, "1.00")
	if _, err := f.svc.Update(context.Background(), UpdateOrderCommand{OrderID: order.ID, Items: []OrderItemInput{shrink}, Totals: totalsFor(shrink)}); err != nil {
		t.Fatalf("Update shrink: %v", err)
	}
	assertStock(t, f.store.stock("var-a"), 20, 2, 2, 16)
	last = f.store.state.movements[len(f.store.state.movements)-1]
	if last.Kind != domain.MovementKindCancellation || last.Quantity != -3 {
		t.Fatalf("unexpected movement %+v", last)
	}
}

func TestOrderServiceUpdateSwapsVariantAsRemoveAndAdd(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	f.store.seedStock("var-b", 10)
	order := f.create(t, variantItem("var-a", 2, "1.00"))
	movementsBefore := len(f.store.state.movements)

	swapped := variantItem("var-b", 4, "1.00")
	swapped.ID = order.Items[0].ID
	note := "switched colour"
	if _, err := f.svc.Update(context.Background(), UpdateOrderCommand{
		OrderID: order.ID,
		Items:   []OrderItemInput{swapped},
		Totals:  totalsFor(swapped),
		Note:    &note,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	assertStock(t, f.store.stock("var-a"), 10, 0, 0, 10)
	assertStock(t, f.store.stock("var-b"), 10, 4, 4, 2)

	added := f.store.state.movements[movementsBefore:]
	if len(added) != 2 {
		t.Fatalf("expected two movements, got %d", len(added))
	}
	if added[0].VariantID != "var-a" || added[0].Reason != "Order item removed" || added[0].Quantity != -2 {
		t.Fatalf("unexpected removal movement %+v", added[0])
	}
	if added[1].VariantID != "var-b" || added[1].Reason != "Order item added: SO-000001" || added[1].Quantity != 4 {
		t.Fatalf("unexpected addition movement %+v", added[1])
	}
	stored := f.store.state.orders[order.ID]
	if stored.Note != note || !stored.Totals.Total.Equal(money("4.00")) {
		t.Fatalf("expected header update, got note=%q total=%s", stored.Note, stored.Totals.Total)
	}
}

func TestOrderServiceUpdateInsufficientInventoryRollsBack(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	f.store.seedStock("var-b", 1)
	order := f.create(t, variantItem("var-a", 2, "1.00"), variantItem("var-b", 1, "1.00"))

	items := []OrderItemInput{variantItem("var-b", 3, "1.00")}
	_, err := f.svc.Update(context.Background(), UpdateOrderCommand{OrderID: order.ID, Items: items, Totals: totalsFor(items...)})
	var insufficient *InsufficientInventoryError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientInventoryError, got %v", err)
	}
	if insufficient.VariantID != "var-b" || insufficient.Available != -1 || insufficient.Required != 2 {
		t.Fatalf("unexpected details %+v", insufficient)
	}
	assertStock(t, f.store.stock("var-a"), 10, 2, 2, 6)
	assertStock(t, f.store.stock("var-b"), 1, 1, 1, -1)
	if len(f.store.state.orders[order.ID].Items) != 2 {
		t.Fatal("expected items to be unchanged")
	}
}

func TestOrderServiceUpdateRejectsTerminalAndDuplicates(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	order := f.create(t, variantItem("var-a", 1, "1.00"))

	dup := []OrderItemInput{variantItem("var-a", 1, "1.00"), variantItem("var-a", 2, "1.00")}
	_, err := f.svc.Update(context.Background(), UpdateOrderCommand{OrderID: order.ID, Items: dup, Totals: totalsFor(dup...)})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for duplicate keys, got %v", err)
	}

	if _, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	items := []OrderItemInput{variantItem("var-a", 2, "1.00")}
	_, err = f.svc.Update(context.Background(), UpdateOrderCommand{OrderID: order.ID, Items: items, Totals: totalsFor(items...)})
	if !errors.Is(err, ErrOrderCancelled) {
		t.Fatalf("expected ErrOrderCancelled, got %v", err)
	}
}

func TestOrderServiceGetAttachesStockAndImages(t *testing.T) {
	f := newOrderFixture(t)
	f.store.seedStock("var-a", 10)
	f.store.images = []domain.ItemImage{{ProductID: "prod-var-a", VariantID: "var-a", ObjectPath: "products/a.jpg"}}
	order := f.create(t, variantItem("var-a", 1, "1.00"))

	loaded, err := f.svc.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	item := loaded.Items[0]
	if item.Stock == nil || item.Stock.Available != 8 {
		t.Fatalf("expected joined stock, got %+v", item.Stock)
	}
	if item.ImageURL != "https://storage.example/products/a.jpg?sig=1" {
		t.Fatalf("unexpected image url %q", item.ImageURL)
	}

	if _, err := f.svc.Get(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceListValidatesAndPaginates(t *testing.T) {
	f := newOrderFixture(t)
	for i := 0; i < 3; i++ {
		f.create(t, OrderItemInput{Title: "Card", Quantity: 1, Price: money("1.00")})
	}

	page, err := f.svc.List(context.Background(), OrderListFilter{Status: []string{"PENDING"}, Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 3 || len(page.Items) != 1 || page.Page != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	if _, err := f.svc.List(context.Background(), OrderListFilter{Status: []string{"shipped"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
}

func TestOrderServicePublishFailureDoesNotFailMutation(t *testing.T) {
	f := newOrderFixture(t)
	f.publisher.err = errors.New("pubsub down")

	order := f.create(t, OrderItemInput{Title: "Card", Quantity: 1, Price: money("1.00")})
	if order.ID == "" {
		t.Fatal("expected order to be created")
	}
}

func TestApplyStockDeltaFloorsReservations(t *testing.T) {
	stock := domain.VariantStock{OnHand: 5, Reserved: 1, Committed: 2}
	stock.Recalculate()

	next := applyStockDelta(stock, stockDelta{Reserved: -3, Committed: -3, OnHand: -1})
	if next.Reserved != 0 || next.Committed != 0 || next.OnHand != 4 || next.Available != 4 {
		t.Fatalf("unexpected stock %+v", next)
	}
}

func TestDiffOrderItemsKeys(t *testing.T) {
	existing := []domain.OrderItem{
		{ID: "itm_1", VariantID: strPtr("var-a"), Quantity: 2, Title: "A"},
		{ID: "itm_2", ProductID: strPtr("prod-x"), Quantity: 1, Title: "X"},
		{ID: "itm_3", VariantID: strPtr("var-c"), Quantity: 1, Title: "C"},
	}
	desired := []OrderItemInput{
		{VariantID: strPtr("var-a"), Quantity: 2, Title: "A"},
		{ProductID: strPtr("prod-x"), Quantity: 4, Title: "X"},
		{VariantID: strPtr("var-d"), Quantity: 1, Title: "D"},
	}

	diff := diffOrderItems(existing, desired)
	want := []itemChange{
		{kind: itemRemoved, variantID: "var-c", title: "C", oldQuantity: 1},
		{kind: itemAdded, variantID: "var-d", title: "D", newQuantity: 1},
	}
	if !reflect.DeepEqual(diff.changes, want) {
		t.Fatalf("unexpected diff %+v", diff.changes)
	}
}
