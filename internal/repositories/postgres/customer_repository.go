package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/tariky/3S-sub000/internal/domain"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

const customerColumns = `id, email, first_name, last_name, orders_count, total_spent, created_at, updated_at`

// CustomerRepository implements repositories.CustomerRepository on Postgres.
type CustomerRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository constructs a Postgres-backed customer repository.
func NewCustomerRepository(db *ppostgres.UnitOfWork) (*CustomerRepository, error) {
	if db == nil {
		return nil, errors.New("customer repository requires postgres unit of work")
	}
	return &CustomerRepository{db: db}, nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	customer, err := scanCustomer(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, ppostgres.NotFound("customer.find", fmt.Sprintf("customer %s not found", customerID))
		}
		return domain.Customer{}, ppostgres.WrapError("customer.find", err)
	}
	return customer, nil
}

// FindOrCreateByEmail returns the customer owning the email (case-insensitive), inserting the
// candidate when none exists.
func (r *CustomerRepository) FindOrCreateByEmail(ctx context.Context, candidate domain.Customer) (domain.Customer, error) {
	email := strings.TrimSpace(candidate.Email)
	if email == "" {
		return domain.Customer{}, errors.New("customer repository: email is required")
	}
	customer, err := scanCustomer(r.db.Conn(ctx).QueryRow(ctx, `INSERT INTO customers (
		id, email, first_name, last_name, orders_count, total_spent, created_at, updated_at
	) VALUES ($1, $2, $3, $4, 0, 0, $5, $5)
	ON CONFLICT ((lower(email))) DO UPDATE SET email = customers.email
	RETURNING `+customerColumns,
		candidate.ID, email, candidate.FirstName, candidate.LastName, candidate.CreatedAt))
	if err != nil {
		return domain.Customer{}, ppostgres.WrapError("customer.find_or_create", err)
	}
	return customer, nil
}

// IncrementAggregates adds to the lifetime order count and spend of a customer.
func (r *CustomerRepository) IncrementAggregates(ctx context.Context, customerID string, orders int, spent decimal.Decimal, now time.Time) (domain.Customer, error) {
	customer, err := scanCustomer(r.db.Conn(ctx).QueryRow(ctx, `UPDATE customers
	SET orders_count = orders_count + $2, total_spent = total_spent + $3, updated_at = $4
	WHERE id = $1
	RETURNING `+customerColumns, customerID, orders, spent, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, ppostgres.NotFound("customer.increment", fmt.Sprintf("customer %s not found", customerID))
		}
		return domain.Customer{}, ppostgres.WrapError("customer.increment", err)
	}
	return customer, nil
}

func scanCustomer(row pgx.Row) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.OrdersCount, &c.TotalSpent, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
