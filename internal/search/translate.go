package search

import (
	"fmt"

	"github.com/pitabwire/fhirbridge/model"
)

// Translate binds every parameter of the filter into the query through the
// collector. In strict mode an unknown parameter, a cardinality violation or
// an untranslatable value fails the whole translation with an
// UnsupportedFilterParameterError and leaves the query unchanged; in lenient
// mode the offending parameter is dropped and recorded on the query.
func Translate(c *Collector, f *Filter, q *Query) error {
	if c.version != q.version || c.resourceType != q.resourceType {
		return fmt.Errorf("search: query for %s %s cannot use the %s %s collector",
			q.version, q.resourceType, c.version, c.resourceType)
	}

	type staged struct {
		outbound string
		values   []string
	}
	var (
		bound   []staged
		dropped []string
	)

	for _, p := range f.params {
		values, err := translateParam(c, p)
		if err != nil {
			if f.strict {
				return err
			}
			dropped = append(dropped, p.Name)
			continue
		}
		e := c.entries[p.Name]
		bound = append(bound, staged{outbound: e.Outbound, values: values})
	}

	for _, s := range bound {
		q.bind(s.outbound, s.values...)
	}
	q.dropped = append(q.dropped, dropped...)
	return nil
}

func translateParam(c *Collector, p Param) ([]string, error) {
	e, ok := c.entries[p.Name]
	if !ok {
		return nil, &model.UnsupportedFilterParameterError{Name: p.Name}
	}
	if e.Cardinality == Single && len(p.Values) > 1 {
		return nil, &model.UnsupportedFilterParameterError{
			Name:   p.Name,
			Reason: fmt.Sprintf("accepts a single value, got %d", len(p.Values)),
		}
	}

	out := make([]string, len(p.Values))
	for i, v := range p.Values {
		rv, err := e.Apply(v)
		if err != nil {
			return nil, &model.UnsupportedFilterParameterError{Name: p.Name, Reason: err.Error()}
		}
		out[i] = rv
	}
	return out, nil
}
