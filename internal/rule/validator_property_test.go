//go:build property
// +build property

package rule

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pitabwire/fhirbridge/model"
)

var slotScriptIDs = []string{"", "applicable", "transform", "decision", "after"}

func slotRef(i int) *model.ExecutableScript {
	id := slotScriptIDs[i]
	if id == "" {
		return nil
	}
	return exec(id)
}

func genRule(id string) gopter.Gen {
	n := len(slotScriptIDs) - 1
	return gopter.CombineGens(
		gen.IntRange(0, n), gen.IntRange(0, n), gen.IntRange(0, n), gen.IntRange(0, n),
		gen.Bool(),
	).Map(func(vals []any) model.Rule {
		r := testRule(id, "anc", "")
		r.ApplicableScript = slotRef(vals[0].(int))
		r.TransformScript = slotRef(vals[1].(int))
		r.BeforeScript = slotRef(vals[2].(int))
		r.AfterScript = slotRef(vals[3].(int))
		r.Enabled = vals[4].(bool)
		return r
	})
}

// TestValidationIdempotent verifies re-validating an unchanged rule yields
// the same violations.
func TestValidationIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	v := testValidator()
	scripts := testScriptRegistry()
	programs := testProgramMap()

	properties.Property("validation is idempotent", prop.ForAll(
		func(r model.Rule) bool {
			return reflect.DeepEqual(
				v.ValidateRule(r, scripts, programs),
				v.ValidateRule(r, scripts, programs),
			)
		},
		genRule("r1"),
	))

	properties.TestingRun(t)
}

// TestActiveSetIsValid verifies that every rule admitted into a snapshot
// passes validation, and that a rejected set leaves the registry unchanged.
func TestActiveSetIsValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted rules have zero violations", prop.ForAll(
		func(a, b model.Rule) bool {
			b.ProgramStageRef = model.Reference{Type: model.ReferenceID, Value: "s1"}

			v := testValidator()
			reg := NewRegistry(v)
			before := reg.Current()

			s, err := reg.Replace(testRuleSet(a, b))
			if err != nil {
				return reg.Current() == before
			}
			for _, r := range s.Rules() {
				if len(v.ValidateRule(r, s.Scripts(), testProgramMap())) != 0 {
					return false
				}
			}
			return true
		},
		genRule("a"),
		genRule("b"),
	))

	properties.TestingRun(t)
}
