package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/tariky/3S-sub000/internal/domain"
	"github.com/tariky/3S-sub000/internal/platform/httpx"
	"github.com/tariky/3S-sub000/internal/platform/requestctx"
	"github.com/tariky/3S-sub000/internal/services"
	"go.uber.org/zap"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service consulted by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthResponse struct {
	Status      domain.HealthStatus `json:"status"`
	Version     string              `json:"version,omitempty"`
	CommitSHA   string              `json:"commitSha,omitempty"`
	Environment string              `json:"environment,omitempty"`
	Uptime      string              `json:"uptime"`
	Timestamp   string              `json:"timestamp"`
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

type readinessCheck struct {
	Status    domain.HealthStatus `json:"status"`
	Critical  bool                `json:"critical"`
	LatencyMS float64             `json:"latency_ms"`
	CheckedAt string              `json:"checked_at,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

type readinessResponse struct {
	Status    domain.HealthStatus       `json:"status"`
	Checks    map[string]readinessCheck `json:"checks"`
	Details   []string                  `json:"details,omitempty"`
	Uptime    string                    `json:"uptime,omitempty"`
	Timestamp string                    `json:"timestamp"`
}

// Readyz probes dependencies. A degraded report still answers 200 so load balancers keep
// routing; only an errored one (a critical dependency down) answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.clock().UTC()
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readinessResponse{
			Status:    domain.HealthStatusOK,
			Checks:    map[string]readinessCheck{},
			Timestamp: now.Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("readiness report failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("readiness_unavailable", "unable to collect dependency health", http.StatusServiceUnavailable))
		return
	}

	resp := readinessResponse{
		Status:    report.Status,
		Checks:    make(map[string]readinessCheck, len(report.Checks)),
		Timestamp: now.Format(time.RFC3339),
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.Truncate(time.Second).String()
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		entry := readinessCheck{
			Status:    check.Status,
			Critical:  check.Critical,
			LatencyMS: float64(check.Latency) / float64(time.Millisecond),
			Detail:    check.Detail,
		}
		if !check.CheckedAt.IsZero() {
			entry.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = entry
		if check.Status != domain.HealthStatusOK && check.Detail != "" {
			resp.Details = append(resp.Details, fmt.Sprintf("%s: %s", name, check.Detail))
		}
	}

	status := http.StatusOK
	if !report.Status.Serving() {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
