package model

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// FhirVersion identifies a FHIR release.
type FhirVersion string

const (
	FhirR4    FhirVersion = "R4"
	FhirDSTU3 FhirVersion = "DSTU3"
)

// FhirResourceType is a FHIR resource type name as used on the wire.
type FhirResourceType string

const (
	FhirQuestionnaireResponse FhirResourceType = "QuestionnaireResponse"
	FhirCarePlan              FhirResourceType = "CarePlan"
	FhirPatient               FhirResourceType = "Patient"
	FhirLocation              FhirResourceType = "Location"
	FhirQuestionnaire         FhirResourceType = "Questionnaire"
	FhirPlanDefinition        FhirResourceType = "PlanDefinition"
)

// Direction is the direction of a transformation.
type Direction string

const (
	// DirectionToDHIS transforms FHIR resources into tracker resources.
	DirectionToDHIS Direction = "TO_DHIS"
	// DirectionToFHIR transforms tracker resources into FHIR resources.
	DirectionToFHIR Direction = "TO_FHIR"
)

// TransformScriptType returns the transform script type permitted for the
// direction.
func (d Direction) TransformScriptType() ScriptType {
	if d == DirectionToFHIR {
		return ScriptTransformToFHIR
	}
	return ScriptTransformToDHIS
}

// ReferenceType is the kind of value a Reference carries.
type ReferenceType string

const (
	ReferenceID   ReferenceType = "ID"
	ReferenceCode ReferenceType = "CODE"
	ReferenceName ReferenceType = "NAME"
)

// Reference points at a tracker metadata object by ID, code or name.
type Reference struct {
	Type  ReferenceType `yaml:"type" json:"type"`
	Value string        `yaml:"value" json:"value"`
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Type == "" && r.Value == ""
}

// Valid reports whether the reference has a known type and a non-blank value.
func (r Reference) Valid() bool {
	switch r.Type {
	case ReferenceID, ReferenceCode, ReferenceName:
		return strings.TrimSpace(r.Value) != ""
	default:
		return false
	}
}

func (r Reference) String() string {
	return string(r.Type) + ":" + r.Value
}

// MaxNameLength is the longest accepted rule, program or script name.
const MaxNameLength = 230

// TrackerProgram is a mapped tracker program. Program-stage rules depend on
// it for their structural anchor and operation policy.
type TrackerProgram struct {
	ID                            string           `yaml:"id" json:"id" validate:"required"`
	Name                          string           `yaml:"name" json:"name" validate:"required,max=230"`
	Description                   string           `yaml:"description" json:"description,omitempty"`
	ProgramRef                    Reference        `yaml:"program_reference" json:"programReference"`
	TrackedEntityFhirResourceType FhirResourceType `yaml:"tracked_entity_fhir_resource_type" json:"trackedEntityFhirResourceType"`
	Enabled                       bool             `yaml:"enabled" json:"enabled"`
	// ExpEnabled allows tracker to FHIR runs for the program at all. The
	// Fhir*Enabled flags then select which FHIR operations those runs may
	// perform; they do not apply to runs writing tracker resources.
	ExpEnabled        bool `yaml:"exp_enabled" json:"expEnabled"`
	FhirCreateEnabled bool `yaml:"fhir_create_enabled" json:"fhirCreateEnabled"`
	FhirUpdateEnabled bool `yaml:"fhir_update_enabled" json:"fhirUpdateEnabled"`
	FhirDeleteEnabled bool `yaml:"fhir_delete_enabled" json:"fhirDeleteEnabled"`
}

// UnmarshalYAML decodes a program with FHIR creation enabled unless the
// document turns it off.
func (p *TrackerProgram) UnmarshalYAML(value *yaml.Node) error {
	type plain TrackerProgram
	out := plain{FhirCreateEnabled: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = TrackerProgram(out)
	return nil
}

// Rule is a program-stage rule: it binds a FHIR resource type and a tracker
// program (and optionally a stage) to up to four scripts.
type Rule struct {
	ID               string            `yaml:"id" json:"id" validate:"required"`
	Name             string            `yaml:"name" json:"name" validate:"required,max=230"`
	Description      string            `yaml:"description" json:"description,omitempty"`
	Direction        Direction         `yaml:"direction" json:"direction" validate:"required,oneof=TO_DHIS TO_FHIR"`
	FhirResourceType FhirResourceType  `yaml:"fhir_resource_type" json:"fhirResourceType" validate:"required"`
	ProgramID        string            `yaml:"program" json:"program" validate:"required"`
	ProgramStageRef  Reference         `yaml:"program_stage_reference" json:"programStageReference"`
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	ApplicableScript *ExecutableScript `yaml:"applicable_script" json:"applicableScript,omitempty"`
	TransformScript  *ExecutableScript `yaml:"transform_script" json:"transformScript,omitempty"`
	BeforeScript     *ExecutableScript `yaml:"before_script" json:"beforeScript,omitempty"`
	AfterScript      *ExecutableScript `yaml:"after_script" json:"afterScript,omitempty"`
}

// Stage returns the stage anchor value, or "" for a program-wide rule.
func (r Rule) Stage() string {
	return r.ProgramStageRef.Value
}

// RuleInfo is a rule bundled with the rules and programs it depends on.
type RuleInfo[R any] struct {
	Rule         R
	Dependencies []TrackerProgram
}

// NewRuleInfo creates a RuleInfo.
func NewRuleInfo[R any](rule R, deps []TrackerProgram) RuleInfo[R] {
	return RuleInfo[R]{Rule: rule, Dependencies: deps}
}

// Program returns the first program dependency, if any.
func (ri RuleInfo[R]) Program() (TrackerProgram, bool) {
	if len(ri.Dependencies) == 0 {
		return TrackerProgram{}, false
	}
	return ri.Dependencies[0], true
}

// StructuralContext is the tracker-side anchor a rule is resolved for.
// Empty fields match any value.
type StructuralContext struct {
	Program string
	Stage   string
}

// RuleSet is a complete, versioned rule configuration as supplied by the
// rule configuration store.
type RuleSet struct {
	Version  int64            `yaml:"version" json:"version"`
	Scripts  []Script         `yaml:"scripts" json:"scripts"`
	Programs []TrackerProgram `yaml:"programs" json:"programs"`
	Rules    []Rule           `yaml:"rules" json:"rules"`
	Checksum string           `yaml:"-" json:"-"`
	Source   string           `yaml:"-" json:"-"`
}

// Merge appends the contents of other to the set. The higher version wins.
func (s *RuleSet) Merge(other RuleSet) {
	if other.Version > s.Version {
		s.Version = other.Version
	}
	s.Scripts = append(s.Scripts, other.Scripts...)
	s.Programs = append(s.Programs, other.Programs...)
	s.Rules = append(s.Rules, other.Rules...)
}
