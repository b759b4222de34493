package model

import (
	"context"
	"errors"
	"fmt"
)

// RunContext identifies a single pipeline run for logging and tracing. It is
// immutable after construction and safe for concurrent reads.
type RunContext struct {
	RunID         string
	CorrelationID string
	RuleID        string
	Direction     Direction
	Source        ResourceID
	FhirVersion   FhirVersion
}

// Validate reports every missing or malformed field. A run needs an id, the
// rule it executes, a known direction and a typed source.
func (rc *RunContext) Validate() error {
	var errs []error
	if rc.RunID == "" {
		errs = append(errs, errors.New("run id is required"))
	}
	if rc.RuleID == "" {
		errs = append(errs, errors.New("rule id is required"))
	}
	if rc.Direction != DirectionToDHIS && rc.Direction != DirectionToFHIR {
		errs = append(errs, fmt.Errorf("unknown direction %q", rc.Direction))
	}
	if rc.Source.Type == "" {
		errs = append(errs, errors.New("source resource type is required"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithRunContext attaches a RunContext to the given context.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RunContextFrom extracts the RunContext from the context, or returns nil if
// not present.
func RunContextFrom(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(contextKey{}).(*RunContext)
	return rc
}
