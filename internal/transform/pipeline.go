package transform

import (
	"context"
	"fmt"

	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/model"
)

// Input identifies a source resource to transform and the anchor to resolve
// its rule for.
type Input struct {
	Version       model.FhirVersion
	Direction     model.Direction
	ResourceType  model.FhirResourceType
	Context       model.StructuralContext
	Source        model.Resource
	Existing      *model.Resource
	CorrelationID string
}

// Pipeline resolves the rule for an Input against the active snapshot and
// runs it.
type Pipeline struct {
	rules     *rule.Registry
	providers *provider.Registry
	requests  *RequestProvider
	runner    *Runner
}

// NewPipeline creates a Pipeline.
func NewPipeline(rules *rule.Registry, providers *provider.Registry, runner *Runner) *Pipeline {
	return &Pipeline{
		rules:     rules,
		providers: providers,
		requests:  NewRequestProvider(),
		runner:    runner,
	}
}

// Prepare resolves the rule and provider for in and builds the run request.
// It returns *model.NoApplicableRuleError or *model.AmbiguousRuleError from
// rule resolution unchanged.
func (p *Pipeline) Prepare(in Input) (Request, error) {
	entry, ok := p.providers.Lookup(in.Version, in.ResourceType)
	if !ok {
		return Request{}, fmt.Errorf("transform: no provider for %s %s", in.Version, in.ResourceType)
	}

	snap := p.rules.Current()
	info, err := snap.ResolveOne(in.Direction, in.ResourceType, in.Context)
	if err != nil {
		return Request{}, err
	}

	tracker := entry.Provider.TrackerResourceType()
	targetType := string(in.ResourceType)
	if in.Direction == model.DirectionToDHIS {
		targetType = trackerDocumentType(tracker)
	}

	return Request{
		Rule:          info,
		Scripts:       snap.Scripts(),
		Version:       in.Version,
		SourceRequest: p.requests.SourceRequest(in.Source, tracker),
		Source:        in.Source,
		Existing:      in.Existing,
		TargetType:    targetType,
		CorrelationID: in.CorrelationID,
	}, nil
}

// Process prepares and runs a single input.
func (p *Pipeline) Process(ctx context.Context, in Input) (Result, error) {
	req, err := p.Prepare(in)
	if err != nil {
		return Result{}, err
	}
	return p.runner.orchestrator.Run(ctx, req)
}

// ProcessAll prepares every input and runs the prepared ones in parallel.
// Items are returned in input order; inputs that could not be prepared carry
// the preparation error.
func (p *Pipeline) ProcessAll(ctx context.Context, ins []Input) []Item {
	items := make([]Item, len(ins))
	reqs := make([]Request, 0, len(ins))
	pos := make([]int, 0, len(ins))
	for i, in := range ins {
		req, err := p.Prepare(in)
		if err != nil {
			items[i] = Item{Err: err}
			continue
		}
		reqs = append(reqs, req)
		pos = append(pos, i)
	}

	for j, item := range p.runner.RunAll(ctx, reqs) {
		items[pos[j]] = item
	}
	return items
}

func trackerDocumentType(rt model.TrackerResourceType) string {
	for doc, t := range trackerTypes {
		if t == rt {
			return doc
		}
	}
	return string(rt)
}
