package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/tariky/3S-sub000/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck probes one backing service. A Critical dependency is one the ledger
// cannot operate without; its failure marks the whole service as errored.
type DependencyCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

// DependencyHealthOption customises the probe runner.
type DependencyHealthOption func(*probeRunner)

// WithDependencyTimeout sets the timeout for checks that leave Timeout zero.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(p *probeRunner) {
		if timeout > 0 {
			p.fallbackTimeout = timeout
		}
	}
}

// WithDependencyClock injects a custom clock.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(p *probeRunner) {
		if clock != nil {
			p.now = clock
		}
	}
}

type probeRunner struct {
	checks          []DependencyCheck
	fallbackTimeout time.Duration
	now             func() time.Time
}

type probeResult struct {
	name   string
	health domain.DependencyHealth
}

var _ HealthRepository = (*probeRunner)(nil)

// NewDependencyHealthRepository returns a HealthRepository that runs every check in parallel.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: no dependency checks")
	}
	seen := make(map[string]bool, len(checks))
	for i, check := range checks {
		name := strings.TrimSpace(check.Name)
		switch {
		case name == "":
			return nil, fmt.Errorf("health repository: check %d has no name", i)
		case seen[name]:
			return nil, fmt.Errorf("health repository: duplicate check %q", name)
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: check %q has no probe", name)
		}
		seen[name] = true
	}

	p := &probeRunner{
		checks:          append([]DependencyCheck(nil), checks...),
		fallbackTimeout: defaultProbeTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *probeRunner) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make(chan probeResult, len(p.checks))
	for _, check := range p.checks {
		go func(check DependencyCheck) {
			results <- probeResult{name: strings.TrimSpace(check.Name), health: p.probe(ctx, check)}
		}(check)
	}

	report := domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: make(map[string]domain.DependencyHealth, len(p.checks)),
	}
	for range p.checks {
		res := <-results
		report.Checks[res.name] = res.health
		report.Status = report.Status.Worst(res.health.Status)
	}
	report.GeneratedAt = p.now()
	return report, nil
}

func (p *probeRunner) probe(ctx context.Context, check DependencyCheck) domain.DependencyHealth {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.fallbackTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := p.now()
	err := check.Check(probeCtx)
	finished := p.now()

	health := domain.DependencyHealth{
		Status:    domain.HealthStatusOK,
		Critical:  check.Critical,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	if err == nil {
		return health
	}

	health.Detail = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		health.Detail = fmt.Sprintf("no answer within %s", timeout)
	}
	health.Status = domain.HealthStatusDegraded
	if check.Critical {
		health.Status = domain.HealthStatusError
	}
	return health
}
