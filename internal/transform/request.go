package transform

import "github.com/pitabwire/fhirbridge/model"

// trackerTypes maps tracker document types to tracker resource types.
var trackerTypes = map[string]model.TrackerResourceType{
	"Event":                 model.TrackerEvent,
	"Enrollment":            model.TrackerEnrollment,
	"TrackedEntityInstance": model.TrackerTrackedEntity,
	"OrganisationUnit":      model.TrackerOrganizationUnit,
	"Program":               model.TrackerProgramMetadata,
	"ProgramStage":          model.TrackerProgramStageMeta,
}

// RequestProvider derives the SourceRequest handed to scripts from the
// resource a run processes.
type RequestProvider struct {
	types map[string]model.TrackerResourceType
}

// NewRequestProvider creates a RequestProvider for the standard tracker
// document types.
func NewRequestProvider() *RequestProvider {
	return &RequestProvider{types: trackerTypes}
}

// SourceRequest returns the request for src. A tracker document reports its
// own type; for a FHIR source the tracker type the rule writes to is used.
func (p *RequestProvider) SourceRequest(src model.Resource, fallback model.TrackerResourceType) model.SourceRequest {
	rt, ok := p.types[src.Type]
	if !ok {
		rt = fallback
	}
	return model.NewSourceRequest(rt, src.LastUpdated)
}
