package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/tariky/3S-sub000/internal/domain"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const orderColumns = `o.id, o.order_number, o.customer_id, o.email, o.status, o.financial_status,
	o.fulfillment_status, o.currency, o.subtotal, o.tax, o.shipping, o.discount, o.total, o.note,
	o.shipping_method_id, o.payment_method_id, o.cancelled_at, o.cancelled_reason, o.created_at, o.updated_at`

const customerJoinColumns = `c.id, c.email, c.first_name, c.last_name`

// OrderRepository implements repositories.OrderRepository on Postgres.
type OrderRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(db *ppostgres.UnitOfWork) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires postgres unit of work")
	}
	return &OrderRepository{db: db}, nil
}

// Insert writes the order header, its line items and its addresses.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	conn := r.db.Conn(ctx)

	_, err := conn.Exec(ctx, `INSERT INTO orders (
		id, order_number, customer_id, email, status, financial_status, fulfillment_status, currency,
		subtotal, tax, shipping, discount, total, note, shipping_method_id, payment_method_id,
		cancelled_at, cancelled_reason, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		order.ID, order.OrderNumber, order.CustomerID, order.Email, string(order.Status),
		string(order.FinancialStatus), string(order.FulfillmentStatus), order.Currency,
		order.Totals.Subtotal, order.Totals.Tax, order.Totals.Shipping, order.Totals.Discount, order.Totals.Total,
		order.Note, order.ShippingMethodID, order.PaymentMethodID, order.CancelledAt, order.CancelledReason,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return ppostgres.WrapError("order.insert", err)
	}

	if err := insertItems(ctx, conn, order.ID, order.Items); err != nil {
		return err
	}

	if len(order.Addresses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, addr := range order.Addresses {
		batch.Queue(`INSERT INTO order_addresses (
			order_id, kind, first_name, last_name, company, address1, address2, city, province, postal_code, country, phone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			order.ID, string(addr.Kind), addr.FirstName, addr.LastName, addr.Company, addr.Address1, addr.Address2,
			addr.City, addr.Province, addr.PostalCode, addr.Country, addr.Phone)
	}
	if err := conn.SendBatch(ctx, batch).Close(); err != nil {
		return ppostgres.WrapError("order.insert_addresses", err)
	}
	return nil
}

// UpdateHeader persists status, totals, note and cancellation fields.
func (r *OrderRepository) UpdateHeader(ctx context.Context, order domain.Order) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `UPDATE orders SET
		customer_id = $2, email = $3, status = $4, financial_status = $5, fulfillment_status = $6,
		subtotal = $7, tax = $8, shipping = $9, discount = $10, total = $11, note = $12,
		shipping_method_id = $13, payment_method_id = $14, cancelled_at = $15, cancelled_reason = $16,
		updated_at = $17
	WHERE id = $1`,
		order.ID, order.CustomerID, order.Email, string(order.Status), string(order.FinancialStatus),
		string(order.FulfillmentStatus), order.Totals.Subtotal, order.Totals.Tax, order.Totals.Shipping,
		order.Totals.Discount, order.Totals.Total, order.Note, order.ShippingMethodID, order.PaymentMethodID,
		order.CancelledAt, order.CancelledReason, order.UpdatedAt)
	if err != nil {
		return ppostgres.WrapError("order.update_header", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("order.update_header", fmt.Sprintf("order %s not found", order.ID))
	}
	return nil
}

// ReplaceItems deletes every line item of the order and inserts items as the new set.
func (r *OrderRepository) ReplaceItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	conn := r.db.Conn(ctx)
	if _, err := conn.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return ppostgres.WrapError("order.delete_items", err)
	}
	return insertItems(ctx, conn, orderID, items)
}

func insertItems(ctx context.Context, conn ppostgres.Querier, orderID string, items []domain.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, item := range items {
		position := item.Position
		if position == 0 {
			position = i
		}
		batch.Queue(`INSERT INTO order_items (
			id, order_id, product_id, variant_id, title, sku, variant_title, quantity, price, total, position
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			item.ID, orderID, item.ProductID, item.VariantID, item.Title, item.SKU, item.VariantTitle,
			item.Quantity, item.Price, item.Total, position)
	}
	if err := conn.SendBatch(ctx, batch).Close(); err != nil {
		return ppostgres.WrapError("order.insert_items", err)
	}
	return nil
}

// FindByID loads the order with its items, addresses and customer summary.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string, opts repositories.OrderLoadOptions) (domain.Order, error) {
	conn := r.db.Conn(ctx)

	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1`
	if opts.ForUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(conn.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, ppostgres.NotFound("order.find", fmt.Sprintf("order %s not found", orderID))
		}
		return domain.Order{}, ppostgres.WrapError("order.find", err)
	}

	if order.Items, err = loadItems(ctx, conn, orderID); err != nil {
		return domain.Order{}, err
	}
	if order.Addresses, err = loadAddresses(ctx, conn, orderID); err != nil {
		return domain.Order{}, err
	}
	if order.CustomerID != nil {
		var summary domain.CustomerSummary
		err := conn.QueryRow(ctx, `SELECT `+customerJoinColumns+` FROM customers c WHERE c.id = $1`, *order.CustomerID).
			Scan(&summary.ID, &summary.Email, &summary.FirstName, &summary.LastName)
		switch {
		case err == nil:
			order.Customer = &summary
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return domain.Order{}, ppostgres.WrapError("order.find_customer", err)
		}
	}
	return order, nil
}

// List returns one page of orders, newest first, joined with their customer.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	var (
		where []string
		args  []any
	)
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		idx := len(args)
		where = append(where, fmt.Sprintf(`(o.order_number ILIKE $%[1]d OR o.email ILIKE $%[1]d
			OR c.email ILIKE $%[1]d OR (c.first_name || ' ' || c.last_name) ILIKE $%[1]d)`, idx))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf(`o.status = ANY($%d)`, len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	from := ` FROM orders o LEFT JOIN customers c ON c.id = o.customer_id` + clause

	conn := r.db.Conn(ctx)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return domain.Page[domain.Order]{}, ppostgres.WrapError("order.count", err)
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := conn.Query(ctx, `SELECT `+orderColumns+`, `+customerJoinColumns+from+
		fmt.Sprintf(` ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return domain.Page[domain.Order]{}, ppostgres.WrapError("order.list", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		var order domain.Order
		var custID, custEmail, custFirst, custLast *string
		dest := append(orderScanTargets(&order), &custID, &custEmail, &custFirst, &custLast)
		if err := rows.Scan(dest...); err != nil {
			return domain.Page[domain.Order]{}, ppostgres.WrapError("order.list_scan", err)
		}
		if custID != nil {
			order.Customer = &domain.CustomerSummary{
				ID:        *custID,
				Email:     deref(custEmail),
				FirstName: deref(custFirst),
				LastName:  deref(custLast),
			}
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Order]{}, ppostgres.WrapError("order.list", err)
	}

	return domain.Page[domain.Order]{Items: orders, Page: page, Limit: limit, TotalCount: total}, nil
}

func orderScanTargets(order *domain.Order) []any {
	return []any{
		&order.ID, &order.OrderNumber, &order.CustomerID, &order.Email, &order.Status, &order.FinancialStatus,
		&order.FulfillmentStatus, &order.Currency, &order.Totals.Subtotal, &order.Totals.Tax, &order.Totals.Shipping,
		&order.Totals.Discount, &order.Totals.Total, &order.Note, &order.ShippingMethodID, &order.PaymentMethodID,
		&order.CancelledAt, &order.CancelledReason, &order.CreatedAt, &order.UpdatedAt,
	}
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var order domain.Order
	if err := row.Scan(orderScanTargets(&order)...); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func loadItems(ctx context.Context, conn ppostgres.Querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := conn.Query(ctx, `SELECT id, order_id, product_id, variant_id, title, sku, variant_title,
		quantity, price, total, position
	FROM order_items WHERE order_id = $1 ORDER BY position, id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("order.load_items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.Title, &item.SKU,
			&item.VariantTitle, &item.Quantity, &item.Price, &item.Total, &item.Position); err != nil {
			return nil, ppostgres.WrapError("order.load_items", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("order.load_items", err)
	}
	return items, nil
}

func loadAddresses(ctx context.Context, conn ppostgres.Querier, orderID string) ([]domain.OrderAddress, error) {
	rows, err := conn.Query(ctx, `SELECT order_id, kind, first_name, last_name, company, address1, address2,
		city, province, postal_code, country, phone
	FROM order_addresses WHERE order_id = $1 ORDER BY kind`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("order.load_addresses", err)
	}
	defer rows.Close()

	var addresses []domain.OrderAddress
	for rows.Next() {
		var addr domain.OrderAddress
		if err := rows.Scan(&addr.OrderID, &addr.Kind, &addr.FirstName, &addr.LastName, &addr.Company,
			&addr.Address1, &addr.Address2, &addr.City, &addr.Province, &addr.PostalCode, &addr.Country,
			&addr.Phone); err != nil {
			return nil, ppostgres.WrapError("order.load_addresses", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("order.load_addresses", err)
	}
	return addresses, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
