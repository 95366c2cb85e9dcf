package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

// Registry wires every Postgres repository over one pool and unit of work.
type Registry struct {
	pool *pgxpool.Pool
	*ppostgres.UnitOfWork

	orders    *OrderRepository
	inventory *InventoryRepository
	movements *InventoryMovementRepository
	customers *CustomerRepository
	images    *ItemImageRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the repositories. health may be nil, in which case a Postgres ping is used.
func NewRegistry(pool *pgxpool.Pool, uow *ppostgres.UnitOfWork, health repositories.HealthRepository) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry: pool is required")
	}
	if uow == nil {
		uow = ppostgres.NewUnitOfWork(pool)
	}

	reg := &Registry{pool: pool, UnitOfWork: uow, health: health}
	var err error
	if reg.orders, err = NewOrderRepository(uow); err != nil {
		return nil, err
	}
	if reg.inventory, err = NewInventoryRepository(uow); err != nil {
		return nil, err
	}
	if reg.movements, err = NewInventoryMovementRepository(uow); err != nil {
		return nil, err
	}
	if reg.customers, err = NewCustomerRepository(uow); err != nil {
		return nil, err
	}
	if reg.images, err = NewItemImageRepository(uow); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(uow); err != nil {
		return nil, err
	}
	if reg.health == nil {
		reg.health, err = repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
			{Name: "postgres", Check: pool.Ping},
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

func (r *Registry) InventoryMovements() repositories.InventoryMovementRepository { return r.movements }

func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }

func (r *Registry) ItemImages() repositories.ItemImageRepository { return r.images }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }
