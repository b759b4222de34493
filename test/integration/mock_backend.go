package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// MockBackend is a configurable HTTP test server that simulates the tracker
// Web API. It allows configuring per-operation responses and records all
// received requests for later assertion.
type MockBackend struct {
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock
// backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Query      url.Values
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status     int
	body       any
	headerFunc func(http.Header)
}

// OperationMock is a builder for configuring mock responses for a specific
// operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// operationRoute maps an operation ID to its HTTP method and path pattern.
type operationRoute struct {
	method      string
	pathPattern string
}

// TrackerRoutes returns the operation routes of the tracker test OpenAPI
// document, mounted under /api.
func TrackerRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		"searchEvents":      {method: http.MethodGet, pathPattern: "/api/events"},
		"createEvent":       {method: http.MethodPost, pathPattern: "/api/events"},
		"getEvent":          {method: http.MethodGet, pathPattern: "/api/events/{id}"},
		"updateEvent":       {method: http.MethodPut, pathPattern: "/api/events/{id}"},
		"deleteEvent":       {method: http.MethodDelete, pathPattern: "/api/events/{id}"},
		"searchEnrollments": {method: http.MethodGet, pathPattern: "/api/enrollments"},
		"createEnrollment":  {method: http.MethodPost, pathPattern: "/api/enrollments"},
	}
}

// newMockBackend creates a new mock backend and starts the HTTP test server.
func newMockBackend(t *testing.T, routes map[string]operationRoute) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, route := range routes {
		mux.HandleFunc(route.method+" "+route.pathPattern, mb.handleOperation(opID))
	}

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// OnOperation returns a builder for configuring responses for the named
// operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith configures the operation to respond with the given status and
// body. Successive calls queue responses; the last one repeats.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError configures a tracker style error response.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, ErrorFixture(status, message))
}

// RespondWithHeaders configures additional response headers.
func (om *OperationMock) RespondWithHeaders(status int, body any, headerFunc func(http.Header)) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, headerFunc: headerFunc})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      r.URL.Query(),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
			return
		}

		if resp.headerFunc != nil {
			resp.headerFunc(w.Header())
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of
// times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("tracker mock: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation, or
// nil if there was none.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}
