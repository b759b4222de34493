package provider

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pitabwire/fhirbridge/internal/openapi"
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// ErrUnsupportedResource is returned when no provider serves a version and
// resource type.
var ErrUnsupportedResource = errors.New("provider: unsupported resource type")

// Entry is the resolved configuration for one (version, resource type).
type Entry struct {
	Version      model.FhirVersion
	ResourceType model.FhirResourceType
	Provider     Provider
	Collector    *search.Collector
}

type entryKey struct {
	version      model.FhirVersion
	resourceType model.FhirResourceType
}

// Registry resolves providers and their collectors by (version, resource
// type). It is immutable after NewRegistry returns and safe for concurrent
// reads without locking.
type Registry struct {
	entries map[entryKey]Entry
	types   map[model.FhirResourceType]Provider
}

// NewRegistry builds every collector of every provider. Two providers
// claiming the same (version, resource type) is an error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		entries: make(map[entryKey]Entry),
		types:   make(map[model.FhirResourceType]Provider),
	}
	for _, p := range providers {
		rt := p.ResourceType()
		for _, v := range p.Versions() {
			key := entryKey{version: v, resourceType: rt}
			if _, dup := r.entries[key]; dup {
				return nil, fmt.Errorf("provider: duplicate provider for %s %s", v, rt)
			}
			c, err := p.SearchCollector(v)
			if err != nil {
				return nil, fmt.Errorf("provider: %s %s: %w", v, rt, err)
			}
			r.entries[key] = Entry{Version: v, ResourceType: rt, Provider: p, Collector: c}
		}
		if _, ok := r.types[rt]; !ok {
			r.types[rt] = p
		}
	}
	return r, nil
}

// Default returns a registry of all built-in providers.
func Default() (*Registry, error) {
	return NewRegistry(QuestionnaireResponseProvider{}, CarePlanProvider{})
}

// Lookup returns the entry for a version and resource type.
func (r *Registry) Lookup(v model.FhirVersion, rt model.FhirResourceType) (Entry, bool) {
	e, ok := r.entries[entryKey{version: v, resourceType: rt}]
	return e, ok
}

// Translate rewrites an inbound filter into the outbound query of the
// provider serving v and rt. The entry is returned so callers can run the
// query against the provider's search operation.
func (r *Registry) Translate(v model.FhirVersion, rt model.FhirResourceType, f *search.Filter) (*search.Query, Entry, error) {
	e, ok := r.Lookup(v, rt)
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s %s", ErrUnsupportedResource, v, rt)
	}
	q := search.NewQuery(v, rt)
	if err := search.Translate(e.Collector, f, q); err != nil {
		return nil, e, err
	}
	return q, e, nil
}

// Supports reports whether any version of the resource type is served.
func (r *Registry) Supports(rt model.FhirResourceType) bool {
	_, ok := r.types[rt]
	return ok
}

// OutputType returns the transform output shape required for rules of the
// resource type in the given direction.
func (r *Registry) OutputType(rt model.FhirResourceType, d model.Direction) (model.TransformDataType, bool) {
	p, ok := r.types[rt]
	if !ok {
		return "", false
	}
	return p.OutputType(d), true
}

// Entries returns all entries ordered by resource type then version.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceType != out[j].ResourceType {
			return out[i].ResourceType < out[j].ResourceType
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Verify checks every collector against the tracker API description: each
// provider's search operation must exist and declare every outbound name
// as a query parameter.
func (r *Registry) Verify(idx *openapi.Index) error {
	var errs []error
	for _, e := range r.Entries() {
		opID := e.Provider.SearchOperation()
		op, ok := idx.GetOperation(openapi.TrackerService, opID)
		if !ok {
			errs = append(errs, fmt.Errorf("%s %s: tracker operation %q not found", e.Version, e.ResourceType, opID))
			continue
		}
		for _, name := range e.Collector.OutboundNames() {
			if !op.HasQueryParameter(name) {
				errs = append(errs, fmt.Errorf("%s %s: %s has no query parameter %q (aliases %v)",
					e.Version, e.ResourceType, opID, name, e.Collector.Aliases(name)))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("provider: verify: %w", errors.Join(errs...))
	}
	return nil
}
