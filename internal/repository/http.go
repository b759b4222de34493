package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/openapi"
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

const (
	backendTracker = "tracker"
	backendFHIR    = "fhir"

	maxResponseBytes = 10 << 20
)

// trackerOperations maps tracker document types to their indexed operations.
// Empty ids are operations the tracker API does not offer for that type.
var trackerOperations = map[string]struct {
	get, create, update, delete string
}{
	"Event":      {get: "getEvent", create: "createEvent", update: "updateEvent", delete: "deleteEvent"},
	"Enrollment": {create: "createEnrollment"},
}

// StatusError is returned when a backend answers with an error status.
type StatusError struct {
	Backend    string
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("repository: %s %s %s: status %d", e.Backend, e.Method, e.URL, e.StatusCode)
}

// RequestValidationError is returned when a document misses properties the
// tracker operation requires.
type RequestValidationError struct {
	OperationID string
	Errors      []openapi.ValidationError
}

func (e *RequestValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("repository: %s request invalid: %s", e.OperationID, strings.Join(msgs, "; "))
}

// backend holds the HTTP client, circuit breaker and retry settings of one
// endpoint.
type backend struct {
	name    string
	cfg     config.EndpointConfig
	client  *http.Client
	breaker *CircuitBreaker
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// HTTP is a Repository backed by the tracker Web API, described by the
// indexed OpenAPI document, and a FHIR REST endpoint.
type HTTP struct {
	index   *openapi.Index
	tracker *backend
	fhir    *backend
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHTTP creates an HTTP repository. Tracker URLs come from the index;
// FHIR URLs from cfg.FHIR.BaseURL.
func NewHTTP(idx *openapi.Index, cfg config.RepositoryConfig, metrics *observability.Metrics, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		index:   idx,
		tracker: newBackend(backendTracker, cfg.Tracker, metrics),
		fhir:    newBackend(backendFHIR, cfg.FHIR, metrics),
		metrics: metrics,
		logger:  logger,
	}
}

// HealthCheck reports an error while a backend's circuit breaker is open.
func (h *HTTP) HealthCheck(context.Context) error {
	var open []string
	for _, be := range []*backend{h.tracker, h.fhir} {
		if be.breaker.State() == BreakerOpen {
			open = append(open, be.name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, strings.Join(open, ", "))
	}
	return nil
}

// HealthDetails reports the circuit breaker state of each backend.
func (h *HTTP) HealthDetails() map[string]string {
	return map[string]string{
		h.tracker.name: h.tracker.breaker.State().String(),
		h.fhir.name:    h.fhir.breaker.State().String(),
	}
}

func newBackend(name string, cfg config.EndpointConfig, metrics *observability.Metrics) *backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker
	return &backend{
		name: name,
		cfg:  cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(BreakerSettings{
			FailureThreshold:   cb.FailureThreshold,
			SuccessThreshold:   cb.SuccessThreshold,
			Timeout:            cb.Timeout,
			ErrorRateThreshold: cb.ErrorRateThreshold,
			ErrorRateWindow:    cb.ErrorRateWindow,
		}, func(s BreakerState) {
			metrics.SetBackendCircuitBreakerState(name, breakerGauge(s))
		}),
	}
}

// breakerGauge maps a state onto the circuit breaker gauge scale.
func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// Find runs a tracker search operation. The translated query is appended to
// the operation's URL as is.
func (h *HTTP) Find(ctx context.Context, operationID string, q *search.Query) ([]model.Resource, error) {
	docType, err := SearchDocumentType(operationID)
	if err != nil {
		return nil, err
	}
	op, ok := h.index.GetOperation(openapi.TrackerService, operationID)
	if !ok {
		return nil, fmt.Errorf("repository: operation %s not found in OpenAPI index", operationID)
	}

	resp, err := h.execute(ctx, h.tracker, op.Method, op.BaseURL+op.PathTemplate+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, h.statusError(h.tracker, op.Method, op.PathTemplate, resp)
	}
	return decodeSearch(docType, resp.body)
}

// Get fetches a resource. Tracker document types are read through the
// tracker API, everything else from the FHIR endpoint.
func (h *HTTP) Get(ctx context.Context, id model.ResourceID) (*model.Resource, bool, error) {
	be, method, reqURL, err := h.route(id.Type, model.OperationNone, id)
	if err != nil {
		return nil, false, err
	}
	resp, err := h.execute(ctx, be, method, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	if resp.status == http.StatusNotFound || resp.status == http.StatusGone {
		return nil, false, nil
	}
	if resp.status >= 400 {
		return nil, false, h.statusError(be, method, reqURL, resp)
	}

	var data map[string]any
	if err := json.Unmarshal(resp.body, &data); err != nil {
		return nil, false, fmt.Errorf("repository: decoding %s: %w", id, err)
	}
	return &model.Resource{Type: id.Type, ID: id.ID, Data: data}, true, nil
}

// Apply sends res to the backend owning its type.
func (h *HTTP) Apply(ctx context.Context, op model.OperationRequest, res model.Resource) (model.ResourceID, error) {
	target, _ := op.Target()
	if op.Type() == model.OperationCreate {
		target = model.ResourceID{Type: res.Type}
	}

	be, method, reqURL, err := h.route(res.Type, op.Type(), target)
	if err != nil {
		return model.ResourceID{}, err
	}
	if err := h.ValidateDocument(op.Type(), res); err != nil {
		return model.ResourceID{}, err
	}

	var body []byte
	if op.Type() != model.OperationDelete {
		body, err = json.Marshal(res.Data)
		if err != nil {
			return model.ResourceID{}, fmt.Errorf("repository: marshal body: %w", err)
		}
	}

	resp, err := h.execute(ctx, be, method, reqURL, body)
	if err != nil {
		return model.ResourceID{}, err
	}
	if resp.status == http.StatusNotFound && op.Type() != model.OperationCreate {
		return model.ResourceID{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if resp.status >= 400 {
		return model.ResourceID{}, h.statusError(be, method, reqURL, resp)
	}

	if op.Type() != model.OperationCreate {
		return target, nil
	}
	id := createdID(resp)
	if id == "" {
		return model.ResourceID{}, fmt.Errorf("repository: %s %s returned no resource id", method, reqURL)
	}
	return model.ResourceID{Type: res.Type, ID: id}, nil
}

// route picks the backend, method and URL for an operation on a document
// type. OperationNone routes a read.
func (h *HTTP) route(docType string, opType model.OperationType, target model.ResourceID) (*backend, string, string, error) {
	if ops, ok := trackerOperations[docType]; ok {
		var opID string
		switch opType {
		case model.OperationNone:
			opID = ops.get
		case model.OperationCreate:
			opID = ops.create
		case model.OperationUpdate:
			opID = ops.update
		case model.OperationDelete:
			opID = ops.delete
		}
		if opID == "" {
			return nil, "", "", fmt.Errorf("repository: tracker API has no %s operation for %s", opName(opType), docType)
		}
		op, ok := h.index.GetOperation(openapi.TrackerService, opID)
		if !ok {
			return nil, "", "", fmt.Errorf("repository: operation %s not found in OpenAPI index", opID)
		}
		p := strings.ReplaceAll(op.PathTemplate, "{id}", url.PathEscape(target.ID))
		return h.tracker, op.Method, op.BaseURL + p, nil
	}

	base := strings.TrimRight(h.fhir.cfg.BaseURL, "/")
	if base == "" {
		return nil, "", "", fmt.Errorf("repository: no FHIR base URL configured for %s", docType)
	}
	switch opType {
	case model.OperationCreate:
		return h.fhir, http.MethodPost, base + "/" + url.PathEscape(docType), nil
	case model.OperationUpdate:
		return h.fhir, http.MethodPut, base + "/" + url.PathEscape(docType) + "/" + url.PathEscape(target.ID), nil
	case model.OperationDelete:
		return h.fhir, http.MethodDelete, base + "/" + url.PathEscape(docType) + "/" + url.PathEscape(target.ID), nil
	default:
		return h.fhir, http.MethodGet, base + "/" + url.PathEscape(docType) + "/" + url.PathEscape(target.ID), nil
	}
}

func opName(t model.OperationType) string {
	if t == model.OperationNone {
		return "read"
	}
	return strings.ToLower(string(t))
}

// ValidateDocument checks a tracker document against the required
// properties of the operation it would be sent with. Non-tracker types and
// deletes always pass.
func (h *HTTP) ValidateDocument(opType model.OperationType, res model.Resource) error {
	ops, ok := trackerOperations[res.Type]
	if !ok {
		return nil
	}
	var opID string
	switch opType {
	case model.OperationCreate:
		opID = ops.create
	case model.OperationUpdate:
		opID = ops.update
	}
	if opID == "" {
		return nil
	}
	if errs := h.index.ValidateRequest(openapi.TrackerService, opID, res.Data); len(errs) > 0 {
		return &RequestValidationError{OperationID: opID, Errors: errs}
	}
	return nil
}

// execute wraps executeOnce with retry logic and exponential backoff.
func (h *HTTP) execute(ctx context.Context, be *backend, method, reqURL string, body []byte) (response, error) {
	ctx, span := observability.StartBackendSpan(ctx, be.name, method)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	retryCfg := be.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !retryCfg.IdempotentOnly
	logger := observability.RunLogger(ctx, h.logger)

	var resp response
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			h.metrics.RecordBackendRetry(be.name)
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return response{}, err
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		resp, err = h.executeOnce(ctx, be, method, reqURL, body)
		if err != nil {
			if !canRetry || !isRetryableError(err) || attempt == maxAttempts-1 {
				return response{}, err
			}
			logger.Debug("retrying backend call after error",
				zap.String("backend", be.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(resp.status) && canRetry && attempt < maxAttempts-1 {
			logger.Debug("retrying backend call after status",
				zap.String("backend", be.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", resp.status),
			)
			continue
		}
		return resp, nil
	}
	return resp, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (h *HTTP) executeOnce(ctx context.Context, be *backend, method, reqURL string, body []byte) (response, error) {
	if err := be.breaker.Allow(); err != nil {
		return response{}, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, rd)
	if err != nil {
		return response{}, fmt.Errorf("repository: build request: %w", err)
	}
	setHeaders(ctx, req, be.name, body != nil)

	start := time.Now()
	resp, err := be.client.Do(req)
	if err != nil {
		be.breaker.RecordFailure()
		h.metrics.RecordBackendRequest(be.name, method, 0, time.Since(start))
		if ctx.Err() != nil {
			return response{}, fmt.Errorf("repository: %s %s: %w", method, reqURL, ctx.Err())
		}
		return response{}, fmt.Errorf("repository: %s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	h.metrics.RecordBackendRequest(be.name, method, resp.StatusCode, time.Since(start))
	if err != nil {
		be.breaker.RecordFailure()
		return response{}, fmt.Errorf("repository: read response: %w", err)
	}

	// 4xx answers are not infrastructure failures.
	if isServerError(resp.StatusCode) {
		be.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		be.breaker.RecordSuccess()
	}

	return response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

func (h *HTTP) statusError(be *backend, method, reqURL string, resp response) error {
	return &StatusError{Backend: be.name, Method: method, URL: reqURL, StatusCode: resp.status, Body: resp.body}
}

func setHeaders(ctx context.Context, req *http.Request, backendName string, hasBody bool) {
	contentType := "application/json"
	if backendName == backendFHIR {
		contentType = "application/fhir+json"
	}
	req.Header.Set("Accept", contentType)
	if hasBody {
		req.Header.Set("Content-Type", contentType)
	}
	if rc := model.RunContextFrom(ctx); rc != nil {
		if rc.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(rc.CorrelationID))
		}
		req.Header.Set("X-Request-Id", sanitizeHeader(rc.RunID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- response decoding ---

// searchListKeys are the properties tracker search responses carry their
// results under, newest API first.
var searchListKeys = []string{"instances", "events", "enrollments"}

var idKeys = []string{"id", "event", "enrollment", "uid"}

func decodeSearch(docType string, body []byte) ([]model.Resource, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("repository: decoding %s search response: %w", docType, err)
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, k := range searchListKeys {
			if list, ok := v[k].([]any); ok {
				items = list
				break
			}
		}
	}

	out := make([]model.Resource, 0, len(items))
	for _, it := range items {
		data, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Resource{Type: docType, ID: stringField(data, idKeys...), Data: data})
	}
	return out, nil
}

// createdID extracts the id of a created resource from the response body, a
// tracker import summary, or the Location header.
func createdID(resp response) string {
	var body map[string]any
	if err := json.Unmarshal(resp.body, &body); err == nil {
		if id := stringField(body, idKeys...); id != "" {
			return id
		}
		if r, ok := body["response"].(map[string]any); ok {
			if id := stringField(r, "uid", "reference"); id != "" {
				return id
			}
			if sums, ok := r["importSummaries"].([]any); ok && len(sums) > 0 {
				if s, ok := sums[0].(map[string]any); ok {
					return stringField(s, "reference")
				}
			}
		}
	}

	loc := resp.header.Get("Location")
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	// FHIR servers answer Type/id/_history/n.
	if i := strings.Index(loc, "/_history/"); i >= 0 {
		loc = loc[:i]
	}
	return path.Base(loc)
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
