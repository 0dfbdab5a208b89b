package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check. Count is set by checks
// that report how many items they found.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Count     *int   `json:"count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what must hold before the service takes traffic.
type ReadinessChecks struct {
	// Definitions returns the number of default BPF definitions. The
	// service is not ready without at least one; nil counts as zero.
	Definitions func() int

	// Platform reports the Web API client's health, normally its circuit
	// breaker. Skipped when nil.
	Platform HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth answers liveness probes.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady answers readiness probes. Checks run concurrently, each under
// its own timeout; any failing check makes the answer 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult, 2)
		)
		record := func(name string, result CheckResult) {
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}

		var g errgroup.Group
		g.Go(func() error {
			record("definitions", definitionsCheck(checks.Definitions))
			return nil
		})
		if checks.Platform != nil {
			g.Go(func() error {
				record("platform", runCheck(r.Context(), checks.Platform))
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func definitionsCheck(count func() int) CheckResult {
	n := 0
	if count != nil {
		n = count()
	}
	if n == 0 {
		return CheckResult{Status: "error", Count: &n, Error: "no BPF definitions configured"}
	}
	return CheckResult{Status: "ok", Count: &n}
}

// runCheck executes checker under checkTimeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
