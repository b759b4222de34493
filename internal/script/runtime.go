// Package script executes rule scripts through pluggable language runtimes
// and provides the read-only script registry used by rule snapshots.
package script

import (
	"context"
	"fmt"

	"github.com/pitabwire/fhirbridge/model"
)

// Bindings are the values a script is invoked with. Input, Args and Request
// are read-only to the script; Output is the target document a transform
// script populates.
type Bindings struct {
	Input   map[string]any
	Output  map[string]any
	Args    map[string]any
	Request map[string]any
}

// Result is the outcome of a script invocation.
type Result struct {
	// Value is the script's return value.
	Value any
	// Output is the target document after the script ran. Runtimes that
	// cannot modify the output return the document they were given.
	Output map[string]any
}

// Runtime executes scripts of the languages it supports.
type Runtime interface {
	// Invoke runs the script with the given bindings.
	Invoke(ctx context.Context, s model.Script, b Bindings) (Result, error)

	// Supports returns true if this runtime can execute the language.
	Supports(lang model.ScriptLanguage) bool
}

// Dispatcher holds all Runtime implementations and dispatches invocations to
// the first one supporting the script's language.
type Dispatcher struct {
	runtimes []Runtime
}

// NewDispatcher creates a Dispatcher over the given runtimes.
func NewDispatcher(runtimes ...Runtime) *Dispatcher {
	return &Dispatcher{runtimes: runtimes}
}

// Register adds a runtime. It must only be called during startup.
func (d *Dispatcher) Register(rt Runtime) {
	d.runtimes = append(d.runtimes, rt)
}

// Supports reports whether any registered runtime handles the language.
func (d *Dispatcher) Supports(lang model.ScriptLanguage) bool {
	for _, rt := range d.runtimes {
		if rt.Supports(lang) {
			return true
		}
	}
	return false
}

// Invoke finds the first registered runtime that supports the script's
// language and delegates the call.
func (d *Dispatcher) Invoke(ctx context.Context, s model.Script, b Bindings) (Result, error) {
	for _, rt := range d.runtimes {
		if rt.Supports(s.Language) {
			return rt.Invoke(ctx, s, b)
		}
	}
	return Result{}, fmt.Errorf("script: no runtime supports language %q", s.Language)
}

// Checker is implemented by runtimes that can statically check a script
// before it is activated.
type Checker interface {
	Check(s model.Script) error
}

// Check verifies that a runtime exists for the script's language and, when
// that runtime is a Checker, that the script passes its static checks.
func (d *Dispatcher) Check(s model.Script) error {
	for _, rt := range d.runtimes {
		if !rt.Supports(s.Language) {
			continue
		}
		if c, ok := rt.(Checker); ok {
			return c.Check(s)
		}
		return nil
	}
	return fmt.Errorf("script: no runtime supports language %q", s.Language)
}
