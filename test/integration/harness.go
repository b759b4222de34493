// Package integration provides a reusable test harness for end-to-end
// testing of the fhirbridge server. It starts the full HTTP router wired to
// the transformation pipeline, an HTTP repository talking to a mock tracker
// backend and a handoff ledger.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/openapi"
	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/repository"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/internal/transform"
	"github.com/pitabwire/fhirbridge/internal/transport"
)

// TestHarness encapsulates a fully wired fhirbridge instance with a mock
// tracker backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Tracker    *MockBackend
	Rules      *rule.Registry
	OAIndex    *openapi.Index
	Repository *repository.HTTP
	Ledger     transform.Ledger
	Metrics    *observability.Metrics
	Gatherer   *prometheus.Registry
	Redis      *miniredis.Miniredis
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	ruleDirs    []string
	redisLedger bool
	endpoint    config.EndpointConfig
}

// WithRules sets the rule directories to load. Relative paths are resolved
// from the testdata directory.
func WithRules(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.ruleDirs = dirs
	}
}

// WithRedisLedger backs the handoff ledger with an in-process Redis server.
func WithRedisLedger() HarnessOption {
	return func(c *harnessConfig) {
		c.redisLedger = true
	}
}

// WithCircuitBreaker sets the tracker circuit breaker thresholds.
func WithCircuitBreaker(failures int, timeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.endpoint.CircuitBreaker.FailureThreshold = failures
		c.endpoint.CircuitBreaker.Timeout = timeout
	}
}

// WithRetry sets the number of attempts per tracker call.
func WithRetry(maxAttempts int) HarnessOption {
	return func(c *harnessConfig) {
		c.endpoint.Retry.MaxAttempts = maxAttempts
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		endpoint: config.EndpointConfig{
			Timeout: 5 * time.Second,
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          time.Minute,
			},
			Retry: config.RetryConfig{
				MaxAttempts:       1,
				BackoffInitial:    time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        5 * time.Millisecond,
				IdempotentOnly:    true,
			},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.ruleDirs) == 0 {
		hc.ruleDirs = []string{"rules"}
	}
	dirs := make([]string, len(hc.ruleDirs))
	for i, d := range hc.ruleDirs {
		dirs[i] = filepath.Join(testdataDir(), d)
	}

	h := &TestHarness{t: t}

	// Step 1: Mock tracker backend and its API description.
	h.Tracker = newMockBackend(t, TrackerRoutes())
	h.OAIndex = openapi.NewIndex()
	if err := h.OAIndex.Load([]openapi.SpecSource{{
		ServiceID: openapi.TrackerService,
		BaseURL:   h.Tracker.URL() + "/api",
		SpecPath:  filepath.Join(repoRoot(), "internal", "openapi", "testdata", "tracker.yaml"),
	}}); err != nil {
		t.Fatalf("load OpenAPI spec: %v", err)
	}

	// Step 2: Providers and script runtimes.
	providers, err := provider.Default()
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if err := providers.Verify(h.OAIndex); err != nil {
		t.Fatalf("verify providers: %v", err)
	}
	cel, err := script.NewCELRuntime(0)
	if err != nil {
		t.Fatalf("cel runtime: %v", err)
	}
	dispatcher := script.NewDispatcher(script.NewStarlarkRuntime(5*time.Second, 0, nil), cel)

	// Step 3: Rules.
	h.Rules = rule.NewRegistry(rule.NewValidator(providers, dispatcher))
	set, err := rule.NewLoader().LoadAll(dirs)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if _, err := h.Rules.Replace(set); err != nil {
		t.Fatalf("publish rules: %v", err)
	}

	// Step 4: Metrics, repository and ledger.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)

	h.Repository = repository.NewHTTP(h.OAIndex, config.RepositoryConfig{
		Driver:  "http",
		Tracker: hc.endpoint,
		FHIR:    config.EndpointConfig{BaseURL: h.Tracker.URL() + "/fhir"},
	}, h.Metrics, nil)

	if hc.redisLedger {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		h.Ledger = transform.NewRedisLedger(client)
	} else {
		h.Ledger = transform.NewMemoryLedger()
	}

	// Step 5: Pipeline.
	orchestrator := transform.NewOrchestrator(dispatcher, h.Repository,
		transform.WithLedger(h.Ledger),
		transform.WithMetrics(h.Metrics),
	)
	pipeline := transform.NewPipeline(h.Rules, providers, transform.NewRunner(orchestrator, 4))

	// Step 6: Router.
	readiness := observability.ReadinessChecks{
		RuleSet: h.Rules.Readiness,
		OpenAPIOperations: func() int {
			return len(h.OAIndex.AllOperationIDs(openapi.TrackerService))
		},
		Repository: h.Repository,
	}
	if checker, ok := h.Ledger.(observability.HealthChecker); ok {
		readiness.Ledger = checker
	}

	router := transport.NewRouter(transport.Dependencies{
		Rules:     h.Rules,
		Providers: providers,
		Pipeline:  pipeline,
		Finder:    h.Repository,
		Readiness: readiness,
		Metrics:   h.Metrics,
		Gatherer:  h.Gatherer,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the
// body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// Transform posts inputs to /transform and returns the results.
func (h *TestHarness) Transform(t *testing.T, inputs ...transport.TransformInput) []transport.TransformResult {
	t.Helper()
	var resp transport.TransformResponse
	h.AssertJSON(t, h.POST("/transform", transport.TransformRequest{Inputs: inputs}), http.StatusOK, &resp)
	if len(resp.Results) != len(inputs) {
		t.Fatalf("results = %d, want %d", len(resp.Results), len(inputs))
	}
	return resp.Results
}

// --- Fixtures ---

var fixtureLastUpdated = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// QuestionnaireResponseInput returns a transform input for an R4
// QuestionnaireResponse of the anc program.
func QuestionnaireResponseInput(id, status string, answers map[string]string) transport.TransformInput {
	items := make([]any, 0, len(answers))
	for linkID, answer := range answers {
		items = append(items, map[string]any{"linkId": linkID, "answer": answer})
	}
	in := transport.TransformInput{
		FhirVersion:  "R4",
		ResourceType: "QuestionnaireResponse",
		Program:      "anc",
	}
	in.Resource.Type = "QuestionnaireResponse"
	in.Resource.ID = id
	in.Resource.LastUpdated = fixtureLastUpdated
	in.Resource.Data = map[string]any{
		"resourceType": "QuestionnaireResponse",
		"id":           id,
		"status":       status,
		"item":         items,
	}
	return in
}

// ImportSummaryFixture returns a tracker import summary for a created
// resource.
func ImportSummaryFixture(reference string) map[string]any {
	return map[string]any{
		"httpStatus": "OK",
		"response": map[string]any{
			"importSummaries": []any{
				map[string]any{"status": "SUCCESS", "reference": reference},
			},
		},
	}
}

// ErrorFixture returns a tracker error body.
func ErrorFixture(status int, message string) map[string]any {
	return map[string]any{
		"httpStatusCode": status,
		"status":         "ERROR",
		"message":        message,
	}
}

func testdataDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "testdata")
}

func repoRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..")
}
