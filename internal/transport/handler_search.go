package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// Finder runs a translated query against a tracker search operation.
type Finder interface {
	Find(ctx context.Context, operationID string, q *search.Query) ([]model.Resource, error)
}

// SearchResponse is the body returned by GET /search/{version}/{resourceType}.
type SearchResponse struct {
	Operation string            `json:"operation"`
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables,omitempty"`
	Dropped   []string          `json:"dropped,omitempty"`
	Resources []model.Resource  `json:"resources,omitempty"`
}

// handleSearch translates the request's query parameters into the tracker
// query of the matching provider. The "_strict" parameter selects strict
// translation and "_execute" runs the query when a Finder is configured.
func handleSearch(providers *provider.Registry, finder Finder, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := model.FhirVersion(chi.URLParam(r, "version"))
		resourceType := model.FhirResourceType(chi.URLParam(r, "resourceType"))
		params := r.URL.Query()
		strict := flag(params.Get("_strict"))

		q, entry, err := providers.Translate(version, resourceType, search.ParseFilter(params, strict))
		if err != nil {
			metrics.RecordSearchTranslation(string(resourceType), "error")
			var unsupported *model.UnsupportedFilterParameterError
			switch {
			case errors.Is(err, provider.ErrUnsupportedResource):
				WriteError(w, http.StatusNotFound, "UNSUPPORTED_RESOURCE", err.Error())
			case errors.As(err, &unsupported):
				WriteError(w, http.StatusBadRequest, unsupported.Code(), err.Error())
			default:
				WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			}
			return
		}
		metrics.RecordSearchTranslation(string(resourceType), "ok")
		for _, name := range q.Dropped() {
			metrics.RecordDroppedParameter(string(resourceType), name)
		}

		resp := SearchResponse{
			Operation: entry.Provider.SearchOperation(),
			Query:     q.Encode(),
			Variables: q.Variables(),
			Dropped:   q.Dropped(),
		}
		if flag(params.Get("_execute")) {
			if finder == nil {
				WriteError(w, http.StatusNotImplemented, "NO_REPOSITORY", "no repository configured")
				return
			}
			resources, err := finder.Find(r.Context(), resp.Operation, q)
			if err != nil {
				WriteError(w, http.StatusBadGateway, "REPOSITORY_ERROR", err.Error())
				return
			}
			resp.Resources = resources
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func flag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
