package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// Memory is an in-process Repository. Suitable for testing and dry runs.
type Memory struct {
	mu        sync.RWMutex
	resources map[model.ResourceID]model.Resource
	newID     func() string
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		resources: make(map[model.ResourceID]model.Resource),
		newID:     uuid.NewString,
	}
}

// Put stores res as is, replacing any resource with the same identity.
func (m *Memory) Put(res model.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[res.Identity()] = res.Clone()
}

// Len returns the number of stored resources.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.resources)
}

// Get returns a copy of the stored resource.
func (m *Memory) Get(_ context.Context, id model.ResourceID) (*model.Resource, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id]
	if !ok {
		return nil, false, nil
	}
	c := res.Clone()
	return &c, true, nil
}

// Find returns the resources of the operation's document type whose fields
// match every bound variable of q. A multi-valued variable matches any of its
// values. Results are ordered by id.
func (m *Memory) Find(_ context.Context, operationID string, q *search.Query) ([]model.Resource, error) {
	docType, err := SearchDocumentType(operationID)
	if err != nil {
		return nil, err
	}
	values := q.Values()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Resource
	for id, res := range m.resources {
		if id.Type != docType || res.Deleted {
			continue
		}
		if matchesAll(res.Data, values) {
			out = append(out, res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesAll(data map[string]any, values map[string][]string) bool {
	for name, want := range values {
		got := fmt.Sprint(data[name])
		found := false
		for _, w := range want {
			if got == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Apply performs op. Creates get a generated id; updates and deletes require
// the target to exist.
func (m *Memory) Apply(_ context.Context, op model.OperationRequest, res model.Resource) (model.ResourceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op.Type() {
	case model.OperationCreate:
		id := model.ResourceID{Type: res.Type, ID: m.newID()}
		stored := res.Clone()
		stored.ID = id.ID
		m.resources[id] = stored
		return id, nil
	case model.OperationUpdate:
		target, _ := op.Target()
		if _, ok := m.resources[target]; !ok {
			return model.ResourceID{}, fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		stored := res.Clone()
		stored.Type, stored.ID = target.Type, target.ID
		m.resources[target] = stored
		return target, nil
	case model.OperationDelete:
		target, _ := op.Target()
		if _, ok := m.resources[target]; !ok {
			return model.ResourceID{}, fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		delete(m.resources, target)
		return target, nil
	default:
		return model.ResourceID{}, fmt.Errorf("repository: cannot apply %s", op)
	}
}
