// Package provider binds each supported (FHIR version, resource type) pair
// to its search collector and transform contract. The registry is built once
// at startup and never mutated afterwards.
package provider

import (
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

// Provider describes one FHIR resource type and how it maps onto the
// tracker.
type Provider interface {
	// ResourceType is the FHIR resource type served.
	ResourceType() model.FhirResourceType

	// Versions lists the FHIR versions the provider supports.
	Versions() []model.FhirVersion

	// TrackerResourceType is the tracker resource the FHIR type maps onto.
	TrackerResourceType() model.TrackerResourceType

	// OutputType is the shape a transform script must produce in the given
	// direction.
	OutputType(d model.Direction) model.TransformDataType

	// SearchCollector builds the search translation table for a version.
	SearchCollector(v model.FhirVersion) (*search.Collector, error)

	// SearchOperation is the tracker OpenAPI operationId searches are sent
	// to.
	SearchOperation() string
}

// QuestionnaireResponseProvider maps FHIR QuestionnaireResponse resources
// onto tracker events.
type QuestionnaireResponseProvider struct{}

func (QuestionnaireResponseProvider) ResourceType() model.FhirResourceType {
	return model.FhirQuestionnaireResponse
}

func (QuestionnaireResponseProvider) Versions() []model.FhirVersion {
	return []model.FhirVersion{model.FhirR4}
}

func (QuestionnaireResponseProvider) TrackerResourceType() model.TrackerResourceType {
	return model.TrackerEvent
}

func (QuestionnaireResponseProvider) OutputType(d model.Direction) model.TransformDataType {
	if d == model.DirectionToFHIR {
		return model.TransformFhirQuestionnaireResponse
	}
	return model.TransformDhisEvent
}

func (QuestionnaireResponseProvider) SearchOperation() string {
	return "searchEvents"
}

func (p QuestionnaireResponseProvider) SearchCollector(v model.FhirVersion) (*search.Collector, error) {
	status := map[string]string{
		"completed":   "COMPLETED",
		"in-progress": "ACTIVE",
		"amended":     "COMPLETED",
	}
	return search.NewCollectorBuilder(v, p.ResourceType()).
		Reference("based-on", model.FhirCarePlan, "enrollment").
		Reference("questionnaire", model.FhirQuestionnaire, "programStage").
		Reference("patient", model.FhirPatient, "trackedEntityInstance").
		Reference("subject", model.FhirPatient, "trackedEntityInstance").
		Reference("location", model.FhirLocation, "orgUnit").Single().
		Token("status", "status").Map(status).
		Build()
}

// CarePlanProvider maps FHIR CarePlan resources onto tracker enrollments.
type CarePlanProvider struct{}

func (CarePlanProvider) ResourceType() model.FhirResourceType {
	return model.FhirCarePlan
}

func (CarePlanProvider) Versions() []model.FhirVersion {
	return []model.FhirVersion{model.FhirR4, model.FhirDSTU3}
}

func (CarePlanProvider) TrackerResourceType() model.TrackerResourceType {
	return model.TrackerEnrollment
}

func (CarePlanProvider) OutputType(d model.Direction) model.TransformDataType {
	if d == model.DirectionToFHIR {
		return model.TransformFhirCarePlan
	}
	return model.TransformDhisEnrollment
}

func (CarePlanProvider) SearchOperation() string {
	return "searchEnrollments"
}

// SearchCollector differs per version only in the name of the parameter
// that references the plan definition.
func (p CarePlanProvider) SearchCollector(v model.FhirVersion) (*search.Collector, error) {
	definition := "instantiates-canonical"
	if v == model.FhirDSTU3 {
		definition = "definition"
	}
	status := map[string]string{
		"active":    "ACTIVE",
		"completed": "COMPLETED",
		"revoked":   "CANCELLED",
	}
	return search.NewCollectorBuilder(v, p.ResourceType()).
		Reference("patient", model.FhirPatient, "trackedEntityInstance").
		Reference("subject", model.FhirPatient, "trackedEntityInstance").
		Reference(definition, model.FhirPlanDefinition, "program").
		Reference("location", model.FhirLocation, "orgUnit").Single().
		Token("status", "programStatus").Single().Map(status).
		Build()
}
