package di

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tariky/3S-sub000/internal/platform/config"
	"github.com/tariky/3S-sub000/internal/repositories"
	"github.com/tariky/3S-sub000/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Inventory services.InventoryService
	System    services.SystemService
}

// Integrations carries the optional outbound adapters. Nil members disable the feature.
type Integrations struct {
	Events      services.OrderEventPublisher
	ImageSigner services.ImageURLSigner
	Build       services.BuildInfo
	Logger      *zap.Logger
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, integrations Integrations) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, integrations)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository resources.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, integrations Integrations) (Services, error) {
	var svc Services

	logger := integrations.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		UnitOfWork:      reg,
		Orders:          reg.Orders(),
		Inventory:       reg.Inventory(),
		Movements:       reg.InventoryMovements(),
		Customers:       reg.Customers(),
		Counters:        reg.Counters(),
		Images:          reg.ItemImages(),
		ImageSigner:     integrations.ImageSigner,
		Events:          integrations.Events,
		NumberPrefix:    cfg.Orders.NumberPrefix,
		Currency:        cfg.Orders.Currency,
		DefaultPageSize: cfg.Orders.DefaultPageSize,
		MaxPageSize:     cfg.Orders.MaxPageSize,
		Logger:          logger.Named("orders"),
	})
	if err != nil {
		return svc, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory:         reg.Inventory(),
		Movements:         reg.InventoryMovements(),
		LowStockThreshold: cfg.Orders.LowStockThreshold,
	})
	if err != nil {
		return svc, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Build:            integrations.Build,
		})
		if err != nil {
			return svc, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
