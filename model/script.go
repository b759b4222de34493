package model

// ScriptType classifies what a script is allowed to do.
type ScriptType string

const (
	// ScriptEvaluate scripts compute a value from their inputs and never
	// populate an output resource.
	ScriptEvaluate ScriptType = "EVALUATE"
	// ScriptTransformToDHIS scripts populate a tracker-side output resource.
	ScriptTransformToDHIS ScriptType = "TRANSFORM_TO_DHIS"
	// ScriptTransformToFHIR scripts populate a FHIR-side output resource.
	ScriptTransformToFHIR ScriptType = "TRANSFORM_TO_FHIR"
)

// DataType is the declared return type of a script.
type DataType string

const (
	DataTypeBoolean           DataType = "BOOLEAN"
	DataTypeEventDecisionType DataType = "EVENT_DECISION_TYPE"
	DataTypeString            DataType = "STRING"
	DataTypeInteger           DataType = "INTEGER"
	DataTypeDateTime          DataType = "DATE_TIME"
	DataTypeFhirResource      DataType = "FHIR_RESOURCE"
)

// TransformDataType describes the structural shape a transform script
// produces.
type TransformDataType string

const (
	TransformDhisEvent                 TransformDataType = "DHIS_EVENT"
	TransformDhisEnrollment            TransformDataType = "DHIS_ENROLLMENT"
	TransformDhisTrackedEntity         TransformDataType = "DHIS_TRACKED_ENTITY"
	TransformFhirQuestionnaireResponse TransformDataType = "FHIR_QUESTIONNAIRE_RESPONSE"
	TransformFhirCarePlan              TransformDataType = "FHIR_CARE_PLAN"
	TransformFhirPatient               TransformDataType = "FHIR_PATIENT"
)

// ScriptLanguage selects the runtime that executes a script.
type ScriptLanguage string

const (
	LanguageStarlark ScriptLanguage = "starlark"
	LanguageCEL      ScriptLanguage = "cel"
)

// Script is a named, typed unit of logic. Scripts referenced by an active
// rule set are never modified in place; a configuration change produces a
// new rule set.
type Script struct {
	ID          string            `yaml:"id" json:"id" validate:"required"`
	Code        string            `yaml:"code" json:"code,omitempty"`
	Name        string            `yaml:"name" json:"name" validate:"required,max=230"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Type        ScriptType        `yaml:"type" json:"scriptType" validate:"required"`
	ReturnType  DataType          `yaml:"return_type" json:"returnType" validate:"required"`
	OutputType  TransformDataType `yaml:"output_type" json:"outputType,omitempty"`
	Language    ScriptLanguage    `yaml:"language" json:"language" validate:"required"`
	Source      string            `yaml:"source" json:"source" validate:"required"`
}

// IsTransform reports whether the script populates an output resource.
func (s Script) IsTransform() bool {
	return s.Type == ScriptTransformToDHIS || s.Type == ScriptTransformToFHIR
}

// ExecutableScript binds a script to the arguments it is invoked with.
type ExecutableScript struct {
	ID        string         `yaml:"id" json:"id"`
	ScriptID  string         `yaml:"script" json:"script"`
	Arguments map[string]any `yaml:"arguments" json:"arguments,omitempty"`
}

// Decision is the value a before-hook returns.
type Decision string

const (
	// DecisionContinue lets the pipeline continue with the derived operation.
	DecisionContinue Decision = "CONTINUE"
	// DecisionNew forces creation of a new target resource.
	DecisionNew Decision = "NEW"
	// DecisionBreak vetoes the pipeline run.
	DecisionBreak Decision = "BREAK"
)

// ParseDecision converts a script return value into a Decision.
func ParseDecision(v string) (Decision, bool) {
	switch d := Decision(v); d {
	case DecisionContinue, DecisionNew, DecisionBreak:
		return d, true
	default:
		return "", false
	}
}
