package search

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pitabwire/fhirbridge/model"
)

type binding struct {
	name   string
	values []string
}

// Query accumulates outbound query variables for one FHIR version and
// resource type. Outbound names keep the order in which they were first
// bound; values keep inbound order.
type Query struct {
	version      model.FhirVersion
	resourceType model.FhirResourceType
	bindings     []binding
	index        map[string]int
	dropped      []string
}

// NewQuery creates an empty query bound to a version and resource type.
func NewQuery(version model.FhirVersion, resourceType model.FhirResourceType) *Query {
	return &Query{version: version, resourceType: resourceType, index: make(map[string]int)}
}

// Version returns the FHIR version the query is bound to.
func (q *Query) Version() model.FhirVersion {
	return q.version
}

// ResourceType returns the FHIR resource type the query is bound to.
func (q *Query) ResourceType() model.FhirResourceType {
	return q.resourceType
}

func (q *Query) bind(name string, values ...string) {
	if i, ok := q.index[name]; ok {
		q.bindings[i].values = append(q.bindings[i].values, values...)
		return
	}
	q.index[name] = len(q.bindings)
	q.bindings = append(q.bindings, binding{name: name, values: append([]string(nil), values...)})
}

// Template returns the outbound query with one placeholder per value, for
// example "?enrollment={enrollment_0}&enrollment={enrollment_1}". It is ""
// when nothing is bound.
func (q *Query) Template() string {
	if len(q.bindings) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, b := range q.bindings {
		for i := range b.values {
			if sb.Len() == 0 {
				sb.WriteByte('?')
			} else {
				sb.WriteByte('&')
			}
			fmt.Fprintf(&sb, "%s={%s}", url.QueryEscape(b.name), variableName(b.name, i))
		}
	}
	return sb.String()
}

// Variables returns the placeholder values of Template.
func (q *Query) Variables() map[string]string {
	vars := make(map[string]string)
	for _, b := range q.bindings {
		for i, v := range b.values {
			vars[variableName(b.name, i)] = v
		}
	}
	return vars
}

func variableName(name string, i int) string {
	return fmt.Sprintf("%s_%d", name, i)
}

// Encode returns the outbound query string with Template's placeholders
// substituted and escaped, for example "?enrollment=X". Multiple values are
// repeated names. It is "" when nothing is bound.
func (q *Query) Encode() string {
	if len(q.bindings) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, b := range q.bindings {
		for _, v := range b.values {
			if sb.Len() == 0 {
				sb.WriteByte('?')
			} else {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(b.name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// Values returns the bound variables as URL values.
func (q *Query) Values() url.Values {
	v := make(url.Values, len(q.bindings))
	for _, b := range q.bindings {
		v[b.name] = append([]string(nil), b.values...)
	}
	return v
}

// Get returns the values bound to an outbound name.
func (q *Query) Get(name string) []string {
	if i, ok := q.index[name]; ok {
		return append([]string(nil), q.bindings[i].values...)
	}
	return nil
}

// Dropped returns the inbound parameter names that a lenient translation
// skipped.
func (q *Query) Dropped() []string {
	return append([]string(nil), q.dropped...)
}

// IsEmpty reports whether nothing is bound.
func (q *Query) IsEmpty() bool {
	return len(q.bindings) == 0
}
