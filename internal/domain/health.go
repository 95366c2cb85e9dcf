package domain

import "time"

// HealthStatus is the state of one dependency or of the whole service.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusOK, "":
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worst returns whichever of s and other is more severe.
func (s HealthStatus) Worst(other HealthStatus) HealthStatus {
	if other.severity() > s.severity() {
		return other
	}
	if s == "" {
		return HealthStatusOK
	}
	return s
}

// Serving reports whether order traffic can still be accepted. A degraded service
// serves; an errored one (the ledger database is unreachable) does not.
func (s HealthStatus) Serving() bool {
	return s.severity() < HealthStatusError.severity()
}

// DependencyHealth is the outcome of probing one backing service. Critical dependencies
// escalate any failure to HealthStatusError.
type DependencyHealth struct {
	Status    HealthStatus
	Critical  bool
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders.
type SystemHealthReport struct {
	Status      HealthStatus
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	Checks      map[string]DependencyHealth
	GeneratedAt time.Time
}
