package rule

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/pitabwire/fhirbridge/model"
)

func replaced(t *testing.T, set model.RuleSet) *Registry {
	t.Helper()
	r := NewRegistry(testValidator())
	if _, err := r.Replace(set); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	return r
}

func ruleIDs(infos []model.RuleInfo[model.Rule]) []string {
	out := make([]string, len(infos))
	for i, ri := range infos {
		out[i] = ri.Rule.ID
	}
	return out
}

func TestRegistry_empty(t *testing.T) {
	r := NewRegistry(testValidator())
	if r.Loaded() {
		t.Error("Loaded() = true for a new registry")
	}
	if got := r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{}); len(got) != 0 {
		t.Errorf("Resolve() = %v, want empty", got)
	}
}

func TestRegistry_Resolve_specificity(t *testing.T) {
	r := replaced(t, testRuleSet(
		testRule("anc-wide", "anc", ""),
		testRule("anc-first", "anc", "s1"),
		testRule("anc-second", "anc", "s2"),
		testRule("child-wide", "child", ""),
	))

	tests := []struct {
		name string
		sc   model.StructuralContext
		want []string
	}{
		{"stage match first", model.StructuralContext{Program: "anc", Stage: "s1"}, []string{"anc-first", "anc-wide"}},
		{"program only", model.StructuralContext{Program: "anc"}, []string{"anc-wide", "anc-first", "anc-second"}},
		{"other program", model.StructuralContext{Program: "child", Stage: "s1"}, []string{"child-wide"}},
		{"no context", model.StructuralContext{}, []string{"anc-wide", "anc-first", "anc-second", "child-wide"}},
		{"unknown program", model.StructuralContext{Program: "hiv"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ruleIDs(r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, tt.sc))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_Resolve_dependencies(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("anc-wide", "anc", "")))

	got := r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{Program: "anc"})
	if len(got) != 1 {
		t.Fatalf("Resolve() = %v", got)
	}
	p, ok := got[0].Program()
	if !ok || p.ID != "anc" || !p.FhirCreateEnabled {
		t.Errorf("Program() = %+v, %v", p, ok)
	}
}

func TestRegistry_Resolve_excludesDisabled(t *testing.T) {
	off := testRule("off", "anc", "s1")
	off.Enabled = false
	r := replaced(t, testRuleSet(off, testRule("retired-wide", "retired", "")))

	got := r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{})
	if len(got) != 0 {
		t.Errorf("Resolve() = %v, want disabled rules and programs excluded", ruleIDs(got))
	}
	if r.Current().ActiveRules() != 0 {
		t.Errorf("ActiveRules() = %d, want 0", r.Current().ActiveRules())
	}
}

func TestRegistry_Resolve_directionAndType(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("anc-wide", "anc", "")))

	if got := r.Resolve(model.DirectionToFHIR, model.FhirQuestionnaireResponse, model.StructuralContext{}); len(got) != 0 {
		t.Errorf("Resolve(TO_FHIR) = %v, want empty", ruleIDs(got))
	}
	if got := r.Resolve(model.DirectionToDHIS, model.FhirCarePlan, model.StructuralContext{}); len(got) != 0 {
		t.Errorf("Resolve(CarePlan) = %v, want empty", ruleIDs(got))
	}
}

func TestRegistry_ResolveOne(t *testing.T) {
	r := replaced(t, testRuleSet(
		testRule("anc-wide", "anc", ""),
		testRule("anc-first", "anc", "s1"),
		testRule("child-wide", "child", ""),
	))

	ri, err := r.ResolveOne(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{Program: "anc", Stage: "s1"})
	if err != nil {
		t.Fatalf("ResolveOne() error = %v", err)
	}
	if ri.Rule.ID != "anc-first" {
		t.Errorf("ResolveOne() = %s, want anc-first", ri.Rule.ID)
	}

	_, err = r.ResolveOne(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{Program: "hiv"})
	var noRule *model.NoApplicableRuleError
	if !errors.As(err, &noRule) {
		t.Fatalf("ResolveOne(hiv) error = %v, want NoApplicableRuleError", err)
	}
	if !model.IsSkip(err) {
		t.Error("no applicable rule should be a skip")
	}

	_, err = r.ResolveOne(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{})
	var ambiguous *model.AmbiguousRuleError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("ResolveOne() without context error = %v, want AmbiguousRuleError", err)
	}
	if !reflect.DeepEqual(ambiguous.RuleIDs, []string{"anc-wide", "anc-first", "child-wide"}) {
		t.Errorf("RuleIDs = %v", ambiguous.RuleIDs)
	}
}

func TestRegistry_Replace_rejectsAmbiguousAnchor(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("a", "anc", "")))
	before := r.Current()

	_, err := r.Replace(testRuleSet(testRule("a", "anc", "s1"), testRule("b", "anc", "s1")))
	var ambiguous *model.AmbiguousRuleError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("Replace() error = %v, want AmbiguousRuleError", err)
	}
	if !model.IsFatal(err) {
		t.Error("ambiguous anchor should be fatal")
	}
	if r.Current() != before {
		t.Error("rejected rule set must not replace the active snapshot")
	}
}

func TestRegistry_Replace_disabledDuplicateAllowed(t *testing.T) {
	b := testRule("b", "anc", "s1")
	b.Enabled = false
	replaced(t, testRuleSet(testRule("a", "anc", "s1"), b))
}

func TestRegistry_Replace_rejectsViolations(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("a", "anc", "")))
	version := r.Version()

	bad := testRule("bad", "anc", "s1")
	bad.BeforeScript = exec("after")
	set := testRuleSet(testRule("a", "anc", ""), bad)
	set.Version = 2

	_, err := r.Replace(set)
	var cv *model.ContractViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("Replace() error = %v, want ContractViolationError", err)
	}
	if len(cv.Violations) != 1 || cv.Violations[0].Field != SlotBefore {
		t.Errorf("Violations = %v", cv.Violations)
	}
	if r.Version() != version {
		t.Errorf("Version() = %d, want %d kept", r.Version(), version)
	}
	if len(r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{Stage: "s1"})) != 1 {
		t.Error("previous rule set should still resolve")
	}
}

func TestRegistry_snapshotIsolation(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("a", "anc", "")))
	held := r.Current()

	set := testRuleSet(testRule("b", "anc", ""))
	set.Version = 2
	if _, err := r.Replace(set); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	if got := ruleIDs(held.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{})); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("held snapshot resolves %v, want [a]", got)
	}
	if held.Version() != 1 || r.Version() != 2 {
		t.Errorf("versions = %d, %d", held.Version(), r.Version())
	}
	if held.Checksum() == r.Checksum() {
		t.Error("different rule sets should have different checksums")
	}
}

func TestRegistry_snapshotAccessors(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("a", "anc", "")))
	s := r.Current()

	if _, ok := s.Script("transform"); !ok {
		t.Error("Script(transform) not found")
	}
	if _, ok := s.Scripts().Lookup("decision"); !ok {
		t.Error("Scripts().Lookup(decision) not found")
	}
	if p, ok := s.Program("child"); !ok || p.Name != "Child programme" {
		t.Errorf("Program(child) = %+v, %v", p, ok)
	}
	progs := s.Programs()
	if len(progs) != 3 || progs[0].ID != "anc" || progs[2].ID != "retired" {
		t.Errorf("Programs() = %v", progs)
	}
	if len(s.Rules()) != 1 || s.LoadedAt().IsZero() {
		t.Errorf("Rules() = %v, LoadedAt() = %v", s.Rules(), s.LoadedAt())
	}
}

func TestRegistry_Readiness(t *testing.T) {
	r := NewRegistry(testValidator())
	if got := r.Readiness(); got.Loaded || got.ActiveRules != 0 {
		t.Errorf("Readiness() of empty registry = %+v", got)
	}

	r = replaced(t, testRuleSet(testRule("a", "anc", "")))
	got := r.Readiness()
	if !got.Loaded || got.ActiveRules != 1 || got.Version != r.Version() || got.Checksum != r.Checksum() {
		t.Errorf("Readiness() = %+v, want loaded with one active rule at version %d", got, r.Version())
	}
}

func TestRegistry_concurrentResolveAndReplace(t *testing.T) {
	r := replaced(t, testRuleSet(testRule("a", "anc", ""), testRule("a1", "anc", "s1")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got := r.Resolve(model.DirectionToDHIS, model.FhirQuestionnaireResponse, model.StructuralContext{Program: "anc", Stage: "s1"})
				if len(got) != 2 {
					t.Errorf("Resolve() returned %d rules, want 2 from a complete snapshot", len(got))
					return
				}
			}
		}()
	}

	for v := int64(2); v < 50; v++ {
		set := testRuleSet(testRule("a", "anc", ""), testRule("a1", "anc", "s1"))
		set.Version = v
		if _, err := r.Replace(set); err != nil {
			t.Errorf("Replace() error = %v", err)
		}
	}
	wg.Wait()
}
