package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/sync/errgroup"

	"github.com/beaconbot/beacon/internal/metrics"
)

// Check results.
const (
	CheckHealthy   = "healthy"
	CheckUnhealthy = "unhealthy"
	CheckTimeout   = "timeout"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// GateResponse is returned by the liveness, readiness and startup endpoints.
type GateResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// Gate selects which orchestrator endpoints a checker gates. Every checker
// is part of the aggregate /health report regardless.
type Gate uint8

const (
	// GateLive gates /health/live. Only checks whose failure warrants a
	// restart belong here.
	GateLive Gate = 1 << iota
	// GateReady gates /health/ready.
	GateReady
	// GateStartup gates /health/startup.
	GateStartup
)

type registeredCheck struct {
	name    string
	checker HealthChecker
	gates   Gate
}

// HealthManager runs the registered checks for the aggregate report and the
// liveness, readiness and startup endpoints.
type HealthManager struct {
	mu      sync.RWMutex
	checks  []registeredCheck
	version string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version}
}

// RegisterChecker adds a named check gating the given endpoints. Registering a
// name again replaces the earlier check.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker, gates Gate) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for i, c := range hm.checks {
		if c.name == name {
			hm.checks[i] = registeredCheck{name: name, checker: checker, gates: gates}
			return
		}
	}
	hm.checks = append(hm.checks, registeredCheck{name: name, checker: checker, gates: gates})
}

// runHealthChecks runs the checks behind gate concurrently, or every check
// when gate is zero. A check that fails after ctx expired is reported as
// timed out.
func (hm *HealthManager) runHealthChecks(ctx context.Context, gate Gate) map[string]string {
	hm.mu.RLock()
	selected := make([]registeredCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		if gate == 0 || c.gates&gate != 0 {
			selected = append(selected, c)
		}
	}
	hm.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(selected))
		g       errgroup.Group
	)
	for _, c := range selected {
		g.Go(func() error {
			started := time.Now()
			err := c.checker.CheckHealth(ctx)
			metrics.RecordHealthCheck(c.name, err == nil, time.Since(started))

			result := CheckHealthy
			switch {
			case err != nil && ctx.Err() != nil:
				result = CheckTimeout
			case err != nil:
				result = CheckUnhealthy
			}
			mu.Lock()
			results[c.name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// determineOverallStatus folds check results: any failure is unhealthy, a
// timeout alone only degrades.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		switch status {
		case CheckUnhealthy:
			return "unhealthy"
		case CheckTimeout, "degraded":
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

// HealthHandler reports every registered check.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx, 0)
	status := hm.determineOverallStatus(checks)
	if status == "unhealthy" {
		respondWithError(w, r, healthEnvelope("aggregate health check failed", "", status, checks))
		return
	}

	writeJSON(w, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler answers /health/live.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveGate(w, r, "live", GateLive, 2*time.Second)
}

// ReadinessHandler answers /health/ready.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveGate(w, r, "ready", GateReady, 5*time.Second)
}

// StartupHandler answers /health/startup.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveGate(w, r, "startup", GateStartup, 3*time.Second)
}

func (hm *HealthManager) serveGate(w http.ResponseWriter, r *http.Request, name string, gate Gate, timeout time.Duration) {
	checkCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx, gate)
	status := hm.determineOverallStatus(checks)
	if status == "unhealthy" {
		respondWithError(w, r, healthEnvelope(name+" check failed", name, status, checks))
		return
	}
	writeJSON(w, GateResponse{Status: status, Timestamp: time.Now().UTC(), Checks: checks})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func healthEnvelope(message, endpoint, status string, checks map[string]string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message)

	details := map[string]interface{}{"status": status}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if endpoint != "" {
		details["endpoint"] = endpoint
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{"status": status}
	if endpoint != "" {
		contextData["endpoint"] = endpoint
	}
	var failing []string
	for name, result := range checks {
		if result != CheckHealthy {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		contextData["unhealthy_checks"] = failing
	}
	if updated, err := envelope.WithContext(contextData); err == nil {
		envelope = updated
	}
	return envelope
}

var globalHealthManager *HealthManager

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// globalHandler serves an endpoint through the global manager, or 503 before
// serve initialized it.
func globalHandler(endpoint string, serve func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager; hm != nil {
			serve(hm, w, r)
			return
		}
		respondWithError(w, r, healthEnvelope("health manager not initialized", endpoint, "unknown", nil))
	}
}

// Handlers backed by the global manager, mounted by the server.
var (
	HealthHandler    = globalHandler("aggregate", (*HealthManager).HealthHandler)
	LivenessHandler  = globalHandler("live", (*HealthManager).LivenessHandler)
	ReadinessHandler = globalHandler("ready", (*HealthManager).ReadinessHandler)
	StartupHandler   = globalHandler("startup", (*HealthManager).StartupHandler)
)
