package script

import (
	"sort"

	"github.com/pitabwire/fhirbridge/model"
)

// Registry resolves scripts by identifier.
type Registry interface {
	Lookup(id string) (model.Script, bool)
}

// MapRegistry is an immutable Registry built once from a script list.
type MapRegistry struct {
	scripts map[string]model.Script
}

// NewMapRegistry indexes the given scripts by ID. Later duplicates replace
// earlier ones.
func NewMapRegistry(scripts []model.Script) *MapRegistry {
	m := make(map[string]model.Script, len(scripts))
	for _, s := range scripts {
		m[s.ID] = s
	}
	return &MapRegistry{scripts: m}
}

// Lookup returns the script with the given ID.
func (r *MapRegistry) Lookup(id string) (model.Script, bool) {
	s, ok := r.scripts[id]
	return s, ok
}

// IDs returns all script IDs, sorted.
func (r *MapRegistry) IDs() []string {
	ids := make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of scripts.
func (r *MapRegistry) Len() int {
	return len(r.scripts)
}
