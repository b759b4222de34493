// Package repository reads tracker resources and applies the operations
// produced by transformation runs.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// ErrNotFound is returned when a targeted resource does not exist.
var ErrNotFound = errors.New("repository: resource not found")

// Repository is the collaborator transformation runs hand off to.
type Repository interface {
	// Find runs a tracker search operation with the translated query.
	Find(ctx context.Context, operationID string, q *search.Query) ([]model.Resource, error)

	// Get returns a resource by identity. The bool is false when it does
	// not exist.
	Get(ctx context.Context, id model.ResourceID) (*model.Resource, bool, error)

	// Apply performs op with res as the document and returns the identity of
	// the affected resource.
	Apply(ctx context.Context, op model.OperationRequest, res model.Resource) (model.ResourceID, error)
}

// searchTypes maps tracker search operations to the document type they
// return.
var searchTypes = map[string]string{
	"searchEvents":      "Event",
	"searchEnrollments": "Enrollment",
}

// SearchDocumentType returns the document type a search operation returns.
func SearchDocumentType(operationID string) (string, error) {
	t, ok := searchTypes[operationID]
	if !ok {
		return "", fmt.Errorf("repository: unknown search operation %q", operationID)
	}
	return t, nil
}
