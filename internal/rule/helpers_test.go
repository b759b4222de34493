package rule

import (
	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

// --- Test helpers ---

type staticOutputTypes map[model.FhirResourceType]map[model.Direction]model.TransformDataType

func (s staticOutputTypes) OutputType(rt model.FhirResourceType, d model.Direction) (model.TransformDataType, bool) {
	byDir, ok := s[rt]
	if !ok {
		return "", false
	}
	out, ok := byDir[d]
	return out, ok
}

var testOutputTypes = staticOutputTypes{
	model.FhirQuestionnaireResponse: {
		model.DirectionToDHIS: model.TransformDhisEvent,
		model.DirectionToFHIR: model.TransformFhirQuestionnaireResponse,
	},
}

func testValidator() *Validator {
	return NewValidator(testOutputTypes, nil)
}

func testScripts() []model.Script {
	return []model.Script{
		{ID: "applicable", Name: "Applicable", Type: model.ScriptEvaluate, ReturnType: model.DataTypeBoolean, Language: model.LanguageCEL, Source: "true"},
		{ID: "transform", Name: "Transform", Type: model.ScriptTransformToDHIS, ReturnType: model.DataTypeBoolean, OutputType: model.TransformDhisEvent, Language: model.LanguageStarlark, Source: "result = True"},
		{ID: "decision", Name: "Decision", Type: model.ScriptEvaluate, ReturnType: model.DataTypeEventDecisionType, Language: model.LanguageCEL, Source: `"CONTINUE"`},
		{ID: "after", Name: "After", Type: model.ScriptEvaluate, ReturnType: model.DataTypeBoolean, Language: model.LanguageStarlark, Source: "result = True"},
	}
}

func testPrograms() []model.TrackerProgram {
	return []model.TrackerProgram{
		{ID: "anc", Name: "Antenatal care", Enabled: true, FhirCreateEnabled: true, FhirUpdateEnabled: true},
		{ID: "child", Name: "Child programme", Enabled: true, FhirCreateEnabled: true},
		{ID: "retired", Name: "Retired programme", Enabled: false},
	}
}

func exec(id string) *model.ExecutableScript {
	return &model.ExecutableScript{ScriptID: id}
}

func testRule(id, program, stage string) model.Rule {
	r := model.Rule{
		ID:               id,
		Name:             "Rule " + id,
		Direction:        model.DirectionToDHIS,
		FhirResourceType: model.FhirQuestionnaireResponse,
		ProgramID:        program,
		Enabled:          true,
		ApplicableScript: exec("applicable"),
		TransformScript:  exec("transform"),
		BeforeScript:     exec("decision"),
		AfterScript:      exec("after"),
	}
	if stage != "" {
		r.ProgramStageRef = model.Reference{Type: model.ReferenceID, Value: stage}
	}
	return r
}

func testRuleSet(rules ...model.Rule) model.RuleSet {
	return model.RuleSet{
		Version:  1,
		Scripts:  testScripts(),
		Programs: testPrograms(),
		Rules:    rules,
	}
}

func testScriptRegistry() script.Registry {
	return script.NewMapRegistry(testScripts())
}

func testProgramMap() map[string]model.TrackerProgram {
	m := make(map[string]model.TrackerProgram)
	for _, p := range testPrograms() {
		m[p.ID] = p
	}
	return m
}
