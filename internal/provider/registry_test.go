package provider

import (
	"errors"
	"strings"
	"testing"

	"github.com/pitabwire/fhirbridge/internal/openapi"
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

func loadTrackerIndex(t *testing.T) *openapi.Index {
	t.Helper()
	idx := openapi.NewIndex()
	if err := idx.Load([]openapi.SpecSource{
		{ServiceID: openapi.TrackerService, SpecPath: "../openapi/testdata/tracker.yaml"},
	}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestDefault_lookup(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	e, ok := r.Lookup(model.FhirR4, model.FhirQuestionnaireResponse)
	if !ok {
		t.Fatal("Lookup(R4, QuestionnaireResponse) not found")
	}
	if e.Collector.ResourceType() != model.FhirQuestionnaireResponse || e.Collector.Version() != model.FhirR4 {
		t.Errorf("collector bound to %s %s", e.Collector.Version(), e.Collector.ResourceType())
	}

	if _, ok := r.Lookup(model.FhirDSTU3, model.FhirQuestionnaireResponse); ok {
		t.Error("Lookup(DSTU3, QuestionnaireResponse) should not be found")
	}
	if _, ok := r.Lookup(model.FhirDSTU3, model.FhirCarePlan); !ok {
		t.Error("Lookup(DSTU3, CarePlan) not found")
	}
	if len(r.Entries()) != 3 {
		t.Errorf("Entries() len = %d, want 3", len(r.Entries()))
	}
}

func TestDefault_outputTypes(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	tests := []struct {
		rt   model.FhirResourceType
		dir  model.Direction
		want model.TransformDataType
	}{
		{model.FhirQuestionnaireResponse, model.DirectionToDHIS, model.TransformDhisEvent},
		{model.FhirQuestionnaireResponse, model.DirectionToFHIR, model.TransformFhirQuestionnaireResponse},
		{model.FhirCarePlan, model.DirectionToDHIS, model.TransformDhisEnrollment},
		{model.FhirCarePlan, model.DirectionToFHIR, model.TransformFhirCarePlan},
	}
	for _, tt := range tests {
		got, ok := r.OutputType(tt.rt, tt.dir)
		if !ok || got != tt.want {
			t.Errorf("OutputType(%s, %s) = %q, %v, want %q", tt.rt, tt.dir, got, ok, tt.want)
		}
	}
	if _, ok := r.OutputType(model.FhirLocation, model.DirectionToDHIS); ok {
		t.Error("OutputType(Location) should not be found")
	}
	if r.Supports(model.FhirLocation) {
		t.Error("Supports(Location) = true")
	}
}

func TestQuestionnaireResponseProvider_translation(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	e, _ := r.Lookup(model.FhirR4, model.FhirQuestionnaireResponse)

	tests := []struct {
		param, value, want string
	}{
		{"based-on", "CarePlan/X", "?enrollment=X"},
		{"questionnaire", "X", "?programStage=X"},
		{"patient", "Patient/X", "?trackedEntityInstance=X"},
		{"subject", "Patient/X", "?trackedEntityInstance=X"},
		{"location", "X", "?orgUnit=X"},
	}
	for _, tt := range tests {
		q := search.NewQuery(model.FhirR4, model.FhirQuestionnaireResponse)
		if err := search.Translate(e.Collector, search.NewFilter(true).Add(tt.param, tt.value), q); err != nil {
			t.Fatalf("Translate(%s) error = %v", tt.param, err)
		}
		if got := q.Encode(); got != tt.want {
			t.Errorf("Translate(%s=%s) = %q, want %q", tt.param, tt.value, got, tt.want)
		}
	}
}

func TestCarePlanProvider_versionedParameter(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	r4, _ := r.Lookup(model.FhirR4, model.FhirCarePlan)
	if _, ok := r4.Collector.Lookup("instantiates-canonical"); !ok {
		t.Error("R4 collector should know instantiates-canonical")
	}
	dstu3, _ := r.Lookup(model.FhirDSTU3, model.FhirCarePlan)
	if _, ok := dstu3.Collector.Lookup("definition"); !ok {
		t.Error("DSTU3 collector should know definition")
	}
	if _, ok := dstu3.Collector.Lookup("instantiates-canonical"); ok {
		t.Error("DSTU3 collector should not know instantiates-canonical")
	}
}

func TestNewRegistry_duplicate(t *testing.T) {
	_, err := NewRegistry(QuestionnaireResponseProvider{}, QuestionnaireResponseProvider{})
	if err == nil {
		t.Fatal("NewRegistry() with duplicate providers should fail")
	}
}

func TestRegistry_Verify(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if err := r.Verify(loadTrackerIndex(t)); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

type badProvider struct {
	QuestionnaireResponseProvider
}

func (badProvider) ResourceType() model.FhirResourceType { return model.FhirPatient }

func (p badProvider) SearchCollector(v model.FhirVersion) (*search.Collector, error) {
	return search.NewCollectorBuilder(v, p.ResourceType()).
		Token("identifier", "attribute").
		Build()
}

func TestRegistry_Verify_unknownOutbound(t *testing.T) {
	r, err := NewRegistry(badProvider{})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	err = r.Verify(loadTrackerIndex(t))
	if err == nil {
		t.Fatal("Verify() should reject an outbound name missing from the tracker API")
	}
	if !strings.Contains(err.Error(), `"attribute"`) {
		t.Errorf("Verify() error = %v, want mention of attribute", err)
	}
}

func TestRegistry_Translate(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	f := search.NewFilter(false).
		Add("patient", "Patient/tei-1").
		Add("status", "completed").
		Add("unknown", "x")
	q, e, err := r.Translate(model.FhirR4, model.FhirQuestionnaireResponse, f)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if e.Provider.SearchOperation() != "searchEvents" {
		t.Errorf("operation = %q, want searchEvents", e.Provider.SearchOperation())
	}
	if got := q.Get("trackedEntityInstance"); len(got) != 1 || got[0] != "tei-1" {
		t.Errorf("trackedEntityInstance = %v, want [tei-1]", got)
	}
	if got := q.Get("status"); len(got) != 1 || got[0] != "COMPLETED" {
		t.Errorf("status = %v, want [COMPLETED]", got)
	}
	if d := q.Dropped(); len(d) != 1 || d[0] != "unknown" {
		t.Errorf("Dropped() = %v, want [unknown]", d)
	}
}

func TestRegistry_Translate_unsupported(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	_, _, err = r.Translate(model.FhirDSTU3, model.FhirQuestionnaireResponse, search.NewFilter(false))
	if !errors.Is(err, ErrUnsupportedResource) {
		t.Errorf("error = %v, want ErrUnsupportedResource", err)
	}
}

func TestRegistry_Translate_strict(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	f := search.NewFilter(true).Add("unknown", "x")
	_, _, err = r.Translate(model.FhirR4, model.FhirQuestionnaireResponse, f)
	var unsupported *model.UnsupportedFilterParameterError
	if !errors.As(err, &unsupported) || unsupported.Name != "unknown" {
		t.Errorf("error = %v, want UnsupportedFilterParameterError for unknown", err)
	}
}
