// Package health runs registered probes in parallel and aggregates their
// results into an overall service status.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/avenir-labs/gantry/internal/observability"
)

// Status represents the aggregated or per-probe health status.
type Status string

const (
	// StatusHealthy indicates everything passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates a non-critical probe failed.
	StatusDegraded Status = "degraded"
	// StatusCritical is the aggregate status when a critical probe failed.
	StatusCritical Status = "critical"
	// StatusUnhealthy marks an individual failed probe.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultProbeTimeout bounds a single probe run.
const DefaultProbeTimeout = 5 * time.Second

// ProbeFunc performs one health check. A nil return means healthy.
type ProbeFunc func(ctx context.Context) error

// Probe is a registered health check.
type Probe struct {
	// Name identifies the probe in reports.
	Name string

	// Critical probes take the whole service unhealthy when they fail;
	// non-critical ones only degrade it.
	Critical bool

	// Timeout bounds one run. Zero means DefaultProbeTimeout.
	Timeout time.Duration

	// Check is the probe function.
	Check ProbeFunc
}

// CheckResult is one probe's outcome.
type CheckResult struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// Report is the aggregated outcome of one run.
type Report struct {
	Status   Status                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks"`
	Metadata ReportMetadata         `json:"metadata"`
}

// ReportMetadata carries run context.
type ReportMetadata struct {
	Timestamp   time.Time `json:"timestamp"`
	Duration    string    `json:"duration"`
	Version     string    `json:"version,omitempty"`
	Environment string    `json:"environment,omitempty"`
}

// HTTPStatus maps the aggregated status onto a response code: healthy is
// 200, degraded 207, critical 503.
func (r *Report) HTTPStatus() int {
	switch r.Status {
	case StatusCritical, StatusUnhealthy:
		return http.StatusServiceUnavailable
	case StatusDegraded:
		return http.StatusMultiStatus
	default:
		return http.StatusOK
	}
}

// Checker runs registered probes.
type Checker struct {
	logger      observability.Logger
	version     string
	environment string

	mu     sync.RWMutex
	probes []Probe
}

// CheckerOption is a functional option for the checker.
type CheckerOption func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithVersion sets the version reported in metadata.
func WithVersion(version string) CheckerOption {
	return func(c *Checker) {
		c.version = version
	}
}

// WithEnvironment sets the environment reported in metadata.
func WithEnvironment(env string) CheckerOption {
	return func(c *Checker) {
		c.environment = env
	}
}

// NewChecker creates a health checker.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a probe. Registering a name again replaces the previous
// probe.
func (c *Checker) Register(probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.probes {
		if existing.Name == probe.Name {
			c.probes[i] = probe
			return
		}
	}
	c.probes = append(c.probes, probe)
}

// Unregister removes a probe by name.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, probe := range c.probes {
		if probe.Name == name {
			c.probes = append(c.probes[:i], c.probes[i+1:]...)
			return
		}
	}
}

// Run executes every probe in parallel and aggregates the results. A probe
// that outlives its timeout is reported failed; its goroutine is abandoned
// to its context rather than awaited.
func (c *Checker) Run(ctx context.Context) *Report {
	start := time.Now()

	c.mu.RLock()
	probes := make([]Probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.RUnlock()

	results := make([]CheckResult, len(probes))

	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = c.runProbe(ctx, probe)
		}(i, probe)
	}
	wg.Wait()

	report := &Report{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(probes)),
		Metadata: ReportMetadata{
			Timestamp:   start,
			Duration:    time.Since(start).String(),
			Version:     c.version,
			Environment: c.environment,
		},
	}

	for i, probe := range probes {
		result := results[i]
		report.Checks[probe.Name] = result

		if result.Status != StatusHealthy {
			if probe.Critical {
				report.Status = StatusCritical
			} else if report.Status != StatusCritical {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// runProbe executes one probe under its timeout.
func (c *Checker) runProbe(ctx context.Context, probe Probe) CheckResult {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- probe.Check(probeCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}

	result := CheckResult{Status: StatusHealthy, Critical: probe.Critical}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		c.logger.Warn("health probe failed",
			observability.String("probe", probe.Name),
			observability.Bool("critical", probe.Critical),
			observability.Error(err))
	}

	return result
}
