package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
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

// CheckResult is the result of a single readiness check. Details carry
// what the check saw, such as the rule set version or breaker states.
type CheckResult struct {
	Status    string            `json:"status"`
	LatencyMs int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DetailedChecker is a HealthChecker that also reports its state, whether
// healthy or not.
type DetailedChecker interface {
	HealthChecker
	HealthDetails() map[string]string
}

// RuleSetStatus describes the published rule set.
type RuleSetStatus struct {
	Loaded      bool
	Version     int64
	Checksum    string
	ActiveRules int
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// Required checks, always run.
	RuleSet           func() RuleSetStatus
	OpenAPIOperations func() int

	// Optional checks, only run if non-nil.
	RuleStore  HealthChecker
	Repository HealthChecker
	Ledger     HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. The
// instance is ready once a rule set with active rules is published and the
// tracker operations are indexed; optional checks gate it further.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{
			"rules":         ruleSetCheck(checks.RuleSet),
			"openapi_index": openAPICheck(checks.OpenAPIOperations),
		}

		optional := map[string]HealthChecker{
			"rule_store":     checks.RuleStore,
			"repository":     checks.Repository,
			"handoff_ledger": checks.Ledger,
		}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, checker := range optional {
			if checker == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
			}()
		}
		wg.Wait()

		status := "ready"
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: status,
			Checks: results,
		})
	}
}

func ruleSetCheck(fn func() RuleSetStatus) CheckResult {
	if fn == nil {
		return CheckResult{Status: "error", Error: "no rule set loaded"}
	}
	rs := fn()
	result := CheckResult{
		Status: "ok",
		Details: map[string]string{
			"version":      strconv.FormatInt(rs.Version, 10),
			"active_rules": strconv.Itoa(rs.ActiveRules),
		},
	}
	if rs.Checksum != "" {
		result.Details["checksum"] = rs.Checksum
	}
	switch {
	case !rs.Loaded:
		result.Status, result.Error = "error", "no rule set loaded"
	case rs.ActiveRules == 0:
		result.Status, result.Error = "error", "rule set has no active rules"
	}
	return result
}

func openAPICheck(fn func() int) CheckResult {
	n := 0
	if fn != nil {
		n = fn()
	}
	result := CheckResult{Status: "ok", Details: map[string]string{"operations": strconv.Itoa(n)}}
	if n == 0 {
		result.Status, result.Error = "error", "no tracker OpenAPI spec loaded"
	}
	return result
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	result := CheckResult{Status: "ok", LatencyMs: latency}
	if err != nil {
		result.Status, result.Error = "error", err.Error()
	}
	if dc, ok := checker.(DetailedChecker); ok {
		result.Details = dc.HealthDetails()
	}
	return result
}
