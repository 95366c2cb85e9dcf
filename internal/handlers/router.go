package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tariky/3S-sub000/internal/platform/httpx"
)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 30 * time.Second
	errorNotFoundCode = "route_not_found"
)

// RouteRegistrar adds a resource's routes, with paths relative to the API prefix.
type RouteRegistrar func(r chi.Router)

type middlewareChain []func(http.Handler) http.Handler

func (c middlewareChain) applyTo(r chi.Router) {
	for _, mw := range c {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// resourceGroup is one API resource. A group without a registrar answers 501 so clients
// can tell a disabled feature from a typo.
type resourceGroup struct {
	name      string
	prefix    string
	registrar RouteRegistrar
}

func (g resourceGroup) mount(r chi.Router) {
	if g.registrar != nil {
		g.registrar(r)
		return
	}
	notImplemented := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", g.name+" routes not implemented", http.StatusNotImplemented))
	}
	r.Route(g.prefix, func(sub chi.Router) {
		sub.HandleFunc("/", notImplemented)
		sub.HandleFunc("/*", notImplemented)
	})
}

type routerConfig struct {
	global    middlewareChain
	protected middlewareChain
	health    *HealthHandlers
	groups    []resourceGroup
}

func (c *routerConfig) setGroup(name string, reg RouteRegistrar) {
	for i := range c.groups {
		if c.groups[i].name == name {
			c.groups[i].registrar = reg
			return
		}
	}
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// WithMiddlewares appends global middleware, run after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(c *routerConfig) { c.global = append(c.global, mw...) }
}

// WithProtectedMiddlewares wraps every API route, typically with authentication.
// Probes stay outside.
func WithProtectedMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(c *routerConfig) { c.protected = append(c.protected, mw...) }
}

// WithHealthHandlers replaces the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(c *routerConfig) { c.health = h }
}

// WithOrderRoutes mounts the order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(c *routerConfig) { c.setGroup("orders", reg) }
}

// WithInventoryRoutes mounts the inventory endpoints.
func WithInventoryRoutes(reg RouteRegistrar) Option {
	return func(c *routerConfig) { c.setGroup("inventory", reg) }
}

// NewRouter builds the HTTP surface: unauthenticated probes at the root and the
// resource groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		global: middlewareChain{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: []resourceGroup{
			{name: "orders", prefix: "/orders"},
			{name: "inventory", prefix: "/inventory"},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	cfg.global.applyTo(r)
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(defaultAPIPrefix, func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			cfg.protected.applyTo(protected)
			for _, g := range cfg.groups {
				g.mount(protected)
			}
		})
	})
	return r
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", r.URL.Path), http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path), http.StatusMethodNotAllowed))
}
