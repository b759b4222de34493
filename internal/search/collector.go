package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/fhirbridge/model"
)

// Cardinality states how many values a parameter accepts.
type Cardinality int

const (
	// Multiple parameters accept any number of values.
	Multiple Cardinality = iota
	// Single parameters accept exactly one value.
	Single
)

// Kind is the FHIR search parameter type of an entry.
type Kind string

const (
	KindReference Kind = "reference"
	KindToken     Kind = "token"
	KindString    Kind = "string"
)

// Rewrite converts an inbound value into its outbound form.
type Rewrite func(value string) (string, error)

// Entry maps one inbound parameter name to an outbound variable.
type Entry struct {
	Name        string
	Outbound    string
	Kind        Kind
	Target      model.FhirResourceType
	Cardinality Cardinality
	rewrite     Rewrite
}

// Apply rewrites a single inbound value.
func (e Entry) Apply(value string) (string, error) {
	if e.rewrite == nil {
		return value, nil
	}
	return e.rewrite(value)
}

// Collector is the immutable translation table for one FHIR version and
// resource type. It is safe for concurrent use.
type Collector struct {
	version      model.FhirVersion
	resourceType model.FhirResourceType
	entries      map[string]Entry
	names        []string
}

// Version returns the FHIR version the collector was built for.
func (c *Collector) Version() model.FhirVersion {
	return c.version
}

// ResourceType returns the FHIR resource type the collector was built for.
func (c *Collector) ResourceType() model.FhirResourceType {
	return c.resourceType
}

// Lookup returns the entry for an inbound parameter name.
func (c *Collector) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the inbound parameter names, sorted.
func (c *Collector) Names() []string {
	return append([]string(nil), c.names...)
}

// OutboundNames returns the distinct outbound variable names, sorted.
func (c *Collector) OutboundNames() []string {
	seen := make(map[string]bool, len(c.entries))
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if !seen[e.Outbound] {
			seen[e.Outbound] = true
			out = append(out, e.Outbound)
		}
	}
	sort.Strings(out)
	return out
}

// Aliases returns the inbound names mapped to the given outbound name,
// sorted.
func (c *Collector) Aliases(outbound string) []string {
	var out []string
	for _, name := range c.names {
		if c.entries[name].Outbound == outbound {
			out = append(out, name)
		}
	}
	return out
}

// CollectorBuilder assembles a Collector. Builders are not safe for
// concurrent use; the built Collector is.
type CollectorBuilder struct {
	version      model.FhirVersion
	resourceType model.FhirResourceType
	entries      []Entry
	errs         []string
}

// NewCollectorBuilder starts a collector for a FHIR version and resource
// type.
func NewCollectorBuilder(version model.FhirVersion, resourceType model.FhirResourceType) *CollectorBuilder {
	return &CollectorBuilder{version: version, resourceType: resourceType}
}

// Reference adds a reference parameter whose values point at resources of
// the target type. Values are reduced to the bare resource ID.
func (b *CollectorBuilder) Reference(name string, target model.FhirResourceType, outbound string) *CollectorBuilder {
	return b.add(Entry{
		Name:     name,
		Outbound: outbound,
		Kind:     KindReference,
		Target:   target,
		rewrite:  ReferenceRewrite(target),
	})
}

// Token adds a token parameter. A "system|" prefix is removed from values.
func (b *CollectorBuilder) Token(name, outbound string) *CollectorBuilder {
	return b.add(Entry{Name: name, Outbound: outbound, Kind: KindToken, rewrite: tokenCode})
}

// String adds a string parameter passed through unchanged.
func (b *CollectorBuilder) String(name, outbound string) *CollectorBuilder {
	return b.add(Entry{Name: name, Outbound: outbound, Kind: KindString})
}

// Map restricts the most recently added parameter to the given value table.
// Values are rewritten by the parameter's own rewrite first, then looked up.
func (b *CollectorBuilder) Map(table map[string]string) *CollectorBuilder {
	last := b.last()
	if last == nil {
		return b
	}
	inner := last.rewrite
	name := last.Name
	mapped := make(map[string]string, len(table))
	for k, v := range table {
		mapped[k] = v
	}
	last.rewrite = func(value string) (string, error) {
		if inner != nil {
			var err error
			if value, err = inner(value); err != nil {
				return "", err
			}
		}
		out, ok := mapped[value]
		if !ok {
			return "", fmt.Errorf("value %q of %s has no tracker equivalent", value, name)
		}
		return out, nil
	}
	return b
}

// Single restricts the most recently added parameter to one value.
func (b *CollectorBuilder) Single() *CollectorBuilder {
	if last := b.last(); last != nil {
		last.Cardinality = Single
	}
	return b
}

// Multiple allows the most recently added parameter any number of values.
func (b *CollectorBuilder) Multiple() *CollectorBuilder {
	if last := b.last(); last != nil {
		last.Cardinality = Multiple
	}
	return b
}

func (b *CollectorBuilder) last() *Entry {
	if len(b.entries) == 0 {
		b.errs = append(b.errs, "cardinality or value table set before any parameter")
		return nil
	}
	return &b.entries[len(b.entries)-1]
}

func (b *CollectorBuilder) add(e Entry) *CollectorBuilder {
	if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(e.Outbound) == "" {
		b.errs = append(b.errs, fmt.Sprintf("parameter %q -> %q: names must not be blank", e.Name, e.Outbound))
		return b
	}
	b.entries = append(b.entries, e)
	return b
}

// Build validates the table and returns the immutable Collector. Duplicate
// inbound names are rejected; several inbound names may share one outbound
// name.
func (b *CollectorBuilder) Build() (*Collector, error) {
	errs := append([]string(nil), b.errs...)
	if b.version == "" || b.resourceType == "" {
		errs = append(errs, "version and resource type are required")
	}

	entries := make(map[string]Entry, len(b.entries))
	names := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		if _, dup := entries[e.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate parameter %q", e.Name))
			continue
		}
		entries[e.Name] = e
		names = append(names, e.Name)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("search: building %s %s collector: %s",
			b.version, b.resourceType, strings.Join(errs, "; "))
	}
	sort.Strings(names)

	return &Collector{
		version:      b.version,
		resourceType: b.resourceType,
		entries:      entries,
		names:        names,
	}, nil
}

// ReferenceRewrite returns a rewrite that reduces a FHIR reference to the
// target resource's ID. It accepts a bare ID, "Type/id", an absolute URL
// ending in "Type/id", and versioned references ending in "_history/n".
func ReferenceRewrite(target model.FhirResourceType) Rewrite {
	return func(value string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", fmt.Errorf("empty reference")
		}
		if !strings.Contains(v, "/") {
			return v, nil
		}

		segs := strings.Split(strings.TrimRight(v, "/"), "/")
		if n := len(segs); n >= 4 && segs[n-2] == "_history" {
			segs = segs[:n-2]
		}
		n := len(segs)
		if n < 2 || segs[n-1] == "" {
			return "", fmt.Errorf("malformed reference %q", value)
		}
		if model.FhirResourceType(segs[n-2]) != target {
			return "", fmt.Errorf("reference %q does not point at %s", value, target)
		}
		return segs[n-1], nil
	}
}

func tokenCode(value string) (string, error) {
	if i := strings.LastIndex(value, "|"); i >= 0 {
		value = value[i+1:]
	}
	if value == "" {
		return "", fmt.Errorf("empty token code")
	}
	return value, nil
}
