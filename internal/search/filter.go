// Package search translates inbound FHIR search parameters into outbound
// tracker query variables through per-resource-type collectors.
package search

import (
	"net/url"
	"sort"
	"strings"
)

// Param is one inbound search parameter with its values in request order.
type Param struct {
	Name   string
	Values []string
}

// Filter is an inbound search filter. Parameter order is preserved; every
// parameter carries at least one value.
type Filter struct {
	params []Param
	index  map[string]int
	strict bool
}

// NewFilter creates an empty filter. A strict filter rejects parameters that
// a collector cannot translate; a lenient one drops them.
func NewFilter(strict bool) *Filter {
	return &Filter{index: make(map[string]int), strict: strict}
}

// Add appends values to the named parameter. Blank values are ignored and a
// parameter without values is never recorded.
func (f *Filter) Add(name string, values ...string) *Filter {
	name = strings.TrimSpace(name)
	if name == "" {
		return f
	}
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return f
	}
	if i, ok := f.index[name]; ok {
		f.params[i].Values = append(f.params[i].Values, kept...)
		return f
	}
	f.index[name] = len(f.params)
	f.params = append(f.params, Param{Name: name, Values: kept})
	return f
}

// ParseFilter builds a filter from URL query values. Parameter names are
// sorted so the result does not depend on map iteration order. Result
// control parameters (names starting with "_") are not search criteria and
// are skipped.
func ParseFilter(values url.Values, strict bool) *Filter {
	names := make([]string, 0, len(values))
	for name := range values {
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	f := NewFilter(strict)
	for _, name := range names {
		f.Add(name, values[name]...)
	}
	return f
}

// Strict reports whether untranslatable parameters are errors.
func (f *Filter) Strict() bool {
	return f.strict
}

// Params returns a copy of the parameters in order.
func (f *Filter) Params() []Param {
	out := make([]Param, len(f.params))
	for i, p := range f.params {
		out[i] = Param{Name: p.Name, Values: append([]string(nil), p.Values...)}
	}
	return out
}

// Len returns the number of parameters.
func (f *Filter) Len() int {
	return len(f.params)
}
