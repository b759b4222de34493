package rule

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

// Script slot names as reported in violations.
const (
	SlotApplicable = "applicableScript"
	SlotTransform  = "transformScript"
	SlotBefore     = "beforeScript"
	SlotAfter      = "afterScript"
)

// OutputTypes resolves the transform output shape required for a FHIR
// resource type and direction.
type OutputTypes interface {
	OutputType(rt model.FhirResourceType, d model.Direction) (model.TransformDataType, bool)
}

// ScriptChecker statically checks scripts against the available runtimes.
type ScriptChecker interface {
	Supports(lang model.ScriptLanguage) bool
	Check(s model.Script) error
}

// slotContract is the required typing of one script slot.
type slotContract struct {
	slot       string
	returnType model.DataType
	// transformAllowed permits the direction's transform script type in
	// addition to EVALUATE.
	transformAllowed bool
	get              func(model.Rule) *model.ExecutableScript
}

var slotContracts = []slotContract{
	{
		slot:       SlotApplicable,
		returnType: model.DataTypeBoolean,
		get:        func(r model.Rule) *model.ExecutableScript { return r.ApplicableScript },
	},
	{
		slot:             SlotTransform,
		returnType:       model.DataTypeBoolean,
		transformAllowed: true,
		get:              func(r model.Rule) *model.ExecutableScript { return r.TransformScript },
	},
	{
		slot:             SlotBefore,
		returnType:       model.DataTypeEventDecisionType,
		transformAllowed: true,
		get:              func(r model.Rule) *model.ExecutableScript { return r.BeforeScript },
	},
	{
		slot:             SlotAfter,
		returnType:       model.DataTypeBoolean,
		transformAllowed: true,
		get:              func(r model.Rule) *model.ExecutableScript { return r.AfterScript },
	},
}

// Validator checks rule sets structurally and against the script slot
// contracts. It has no side effects; validating the same input twice yields
// the same violations.
type Validator struct {
	types      OutputTypes
	checker    ScriptChecker
	structural *validator.Validate
}

// NewValidator creates a Validator. checker may be nil to skip runtime
// checks of script languages and sources.
func NewValidator(types OutputTypes, checker ScriptChecker) *Validator {
	structural := validator.New(validator.WithRequiredStructEnabled())
	structural.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{types: types, checker: checker, structural: structural}
}

// Validate checks a complete rule set: every script, program and rule, and
// the uniqueness of their IDs. All violations are collected.
func (v *Validator) Validate(set model.RuleSet) []model.Violation {
	var violations []model.Violation

	scripts := make(map[string]model.Script, len(set.Scripts))
	for _, s := range set.Scripts {
		prefix := fmt.Sprintf("scripts[%s]", s.ID)
		if _, dup := scripts[s.ID]; dup {
			violations = append(violations, model.Violation{Field: prefix, Code: "script.duplicate", Message: fmt.Sprintf("duplicate script id %q", s.ID)})
			continue
		}
		scripts[s.ID] = s
		violations = append(violations, v.validateScript(prefix, s)...)
	}

	programs := make(map[string]model.TrackerProgram, len(set.Programs))
	for _, p := range set.Programs {
		prefix := fmt.Sprintf("programs[%s]", p.ID)
		if _, dup := programs[p.ID]; dup {
			violations = append(violations, model.Violation{Field: prefix, Code: "program.duplicate", Message: fmt.Sprintf("duplicate program id %q", p.ID)})
			continue
		}
		programs[p.ID] = p
		violations = append(violations, v.structuralViolations("", prefix+".", p)...)
		if !p.ProgramRef.IsZero() && !p.ProgramRef.Valid() {
			violations = append(violations, model.Violation{
				Field:   prefix + ".programReference",
				Code:    "programReference.invalid",
				Message: fmt.Sprintf("invalid program reference %s", p.ProgramRef),
			})
		}
	}

	registry := script.NewMapRegistry(set.Scripts)
	seen := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		if seen[r.ID] {
			violations = append(violations, model.Violation{RuleID: r.ID, Field: "id", Code: "id.duplicate", Message: fmt.Sprintf("duplicate rule id %q", r.ID)})
			continue
		}
		seen[r.ID] = true
		violations = append(violations, v.ValidateRule(r, registry, programs)...)
	}

	return violations
}

// ValidateRule checks a single rule against the scripts and programs it
// references.
func (v *Validator) ValidateRule(r model.Rule, scripts script.Registry, programs map[string]model.TrackerProgram) []model.Violation {
	violations := v.structuralViolations(r.ID, "", r)

	if r.ProgramID != "" {
		if _, ok := programs[r.ProgramID]; !ok {
			violations = append(violations, model.Violation{
				RuleID:  r.ID,
				Field:   "program",
				Code:    "program.unknown",
				Message: fmt.Sprintf("program %q is not defined", r.ProgramID),
			})
		}
	}
	if !r.ProgramStageRef.IsZero() && !r.ProgramStageRef.Valid() {
		violations = append(violations, model.Violation{
			RuleID:  r.ID,
			Field:   "programStageReference",
			Code:    "programStageReference.invalid",
			Message: fmt.Sprintf("invalid program stage reference %s", r.ProgramStageRef),
		})
	}

	outputType, known := model.TransformDataType(""), false
	if r.FhirResourceType != "" {
		outputType, known = v.types.OutputType(r.FhirResourceType, r.Direction)
		if !known {
			violations = append(violations, model.Violation{
				RuleID:  r.ID,
				Field:   "fhirResourceType",
				Code:    "fhirResourceType.unsupported",
				Message: fmt.Sprintf("FHIR resource type %s is not supported", r.FhirResourceType),
			})
		}
	}

	for _, c := range slotContracts {
		es := c.get(r)
		if es == nil {
			continue
		}
		violations = append(violations, v.validateSlot(r, c, es, scripts, outputType, known)...)
	}

	return violations
}

func (v *Validator) validateSlot(r model.Rule, c slotContract, es *model.ExecutableScript, scripts script.Registry, outputType model.TransformDataType, outputKnown bool) []model.Violation {
	violation := func(code, format string, args ...any) model.Violation {
		return model.Violation{
			RuleID:  r.ID,
			Field:   c.slot,
			Code:    c.slot + "." + code,
			Message: fmt.Sprintf(format, args...),
		}
	}

	s, ok := scripts.Lookup(es.ScriptID)
	if !ok {
		return []model.Violation{violation("script", "script %q is not defined", es.ScriptID)}
	}

	var violations []model.Violation

	transformType := r.Direction.TransformScriptType()
	switch {
	case s.Type == model.ScriptEvaluate:
	case c.transformAllowed && s.Type == transformType:
	case c.transformAllowed:
		violations = append(violations, violation("scriptType", "script %q has type %s, must be %s or %s", s.ID, s.Type, model.ScriptEvaluate, transformType))
	default:
		violations = append(violations, violation("scriptType", "script %q has type %s, must be %s", s.ID, s.Type, model.ScriptEvaluate))
	}

	if s.ReturnType != c.returnType {
		violations = append(violations, violation("returnType", "script %q returns %s, must return %s", s.ID, s.ReturnType, c.returnType))
	}

	if s.IsTransform() && outputKnown && s.OutputType != outputType {
		violations = append(violations, violation("outputType", "script %q produces %s, must produce %s", s.ID, s.OutputType, outputType))
	}

	if s.Language == model.LanguageCEL && s.Type != model.ScriptEvaluate {
		violations = append(violations, violation("language", "script %q: %s scripts can only evaluate", s.ID, s.Language))
	} else if v.checker != nil {
		if !v.checker.Supports(s.Language) {
			violations = append(violations, violation("language", "script %q: no runtime for language %q", s.ID, s.Language))
		} else if err := v.checker.Check(s); err != nil {
			violations = append(violations, violation("source", "script %q: %v", s.ID, err))
		}
	}

	return violations
}

func (v *Validator) validateScript(prefix string, s model.Script) []model.Violation {
	violations := v.structuralViolations("", prefix+".", s)
	switch s.Type {
	case model.ScriptEvaluate, model.ScriptTransformToDHIS, model.ScriptTransformToFHIR, "":
	default:
		violations = append(violations, model.Violation{Field: prefix + ".scriptType", Code: "scriptType.invalid", Message: fmt.Sprintf("unknown script type %q", s.Type)})
	}
	if s.IsTransform() && s.OutputType == "" {
		violations = append(violations, model.Violation{Field: prefix + ".outputType", Code: "outputType.required", Message: "transform scripts must declare an output type"})
	}
	return violations
}

// structuralViolations runs the struct tag checks and converts the result.
func (v *Validator) structuralViolations(ruleID, prefix string, obj any) []model.Violation {
	err := v.structural.Struct(obj)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []model.Violation{{RuleID: ruleID, Field: strings.TrimSuffix(prefix, "."), Code: "invalid", Message: err.Error()}}
	}
	violations := make([]model.Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		violations = append(violations, model.Violation{
			RuleID:  ruleID,
			Field:   prefix + fe.Field(),
			Code:    fe.Field() + "." + fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return violations
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
