package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
// DefinitionsLoaded always runs; the store checkers run only when non-nil,
// so a memory-backed deployment skips them.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool

	InstanceStore HealthChecker
	LockStore     HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler. It reports the build info and
// never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns the readiness handler. Checks run concurrently and
// any failure turns the response into 503 not_ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type namedCheck struct {
			name string
			run  func(ctx context.Context) CheckResult
		}

		toRun := []namedCheck{
			{name: "definitions", run: func(context.Context) CheckResult {
				start := time.Now()
				res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
				if checks.DefinitionsLoaded == nil || !checks.DefinitionsLoaded() {
					res.Status = "error"
					res.Error = "no definitions loaded"
				}
				return res
			}},
		}
		if checks.InstanceStore != nil {
			toRun = append(toRun, namedCheck{name: "instance_store", run: func(ctx context.Context) CheckResult {
				return runCheck(ctx, checks.InstanceStore)
			}})
		}
		if checks.LockStore != nil {
			toRun = append(toRun, namedCheck{name: "lock_store", run: func(ctx context.Context) CheckResult {
				return runCheck(ctx, checks.LockStore)
			}})
		}

		results := make(map[string]CheckResult, len(toRun))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, c := range toRun {
			wg.Add(1)
			go func(c namedCheck) {
				defer wg.Done()
				res := c.run(r.Context())
				mu.Lock()
				results[c.name] = res
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		status, httpStatus := "ready", http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status, httpStatus = "not_ready", http.StatusServiceUnavailable
				break
			}
		}

		writeHealthJSON(w, httpStatus, ReadinessResponse{
			Status: status,
			Checks: results,
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)

	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
