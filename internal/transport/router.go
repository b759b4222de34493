package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/rule"
)

// Dependencies holds all injected dependencies for the operational HTTP
// surface.
type Dependencies struct {
	Rules     *rule.Registry
	Providers *provider.Registry
	Pipeline  Transformer
	Finder    Finder
	Readiness observability.ReadinessChecks
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// StatusResponse describes the active rule snapshot.
type StatusResponse struct {
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
	RuleSet     int64     `json:"ruleSetVersion"`
	Checksum    string    `json:"checksum,omitempty"`
	Source      string    `json:"source,omitempty"`
	LoadedAt    time.Time `json:"loadedAt"`
	ActiveRules int       `json:"activeRules"`
}

// NewRouter creates a chi.Router serving the health, readiness, status and
// metrics endpoints. The transform and search endpoints are mounted when a
// pipeline and a provider registry are supplied.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(RequestLogging(logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Get("/status", handleStatus(deps.Rules))
	if deps.Pipeline != nil {
		r.Post("/transform", handleTransform(deps.Pipeline))
	}
	if deps.Providers != nil {
		r.Get("/search/{version}/{resourceType}", handleSearch(deps.Providers, deps.Finder, deps.Metrics))
	}
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(deps.Gatherer))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

func handleStatus(rules *rule.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Version: observability.Version,
			Commit:  observability.Commit,
		}
		if rules != nil {
			snap := rules.Current()
			resp.RuleSet = snap.Version()
			resp.Checksum = snap.Checksum()
			resp.Source = snap.Source()
			resp.LoadedAt = snap.LoadedAt()
			resp.ActiveRules = snap.ActiveRules()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
