package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/pitabwire/fhirbridge/model"
)

// CELRuntime evaluates CEL expressions. CEL cannot populate an output
// document, so it only serves EVALUATE scripts.
type CELRuntime struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELRuntime creates a CEL runtime. A zero costLimit disables the limit.
func NewCELRuntime(costLimit uint64) (*CELRuntime, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("args", cel.DynType),
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: creating environment: %w", err)
	}
	return &CELRuntime{
		env:       env,
		costLimit: costLimit,
		prgCache:  make(map[string]cel.Program),
	}, nil
}

// Supports returns true for CEL scripts.
func (rt *CELRuntime) Supports(lang model.ScriptLanguage) bool {
	return lang == model.LanguageCEL
}

// Check compiles the expression and verifies that its static output type is
// compatible with the script's declared return type.
func (rt *CELRuntime) Check(s model.Script) error {
	if s.Type != model.ScriptEvaluate {
		return fmt.Errorf("cel: script type %s is not supported, only %s", s.Type, model.ScriptEvaluate)
	}
	ast, issues := rt.env.Compile(s.Source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("cel: compile: %w", issues.Err())
	}

	var want *cel.Type
	switch s.ReturnType {
	case model.DataTypeBoolean:
		want = cel.BoolType
	case model.DataTypeEventDecisionType, model.DataTypeString, model.DataTypeDateTime:
		want = cel.StringType
	case model.DataTypeInteger:
		want = cel.IntType
	default:
		return nil
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.DynType) && !out.IsExactType(want) {
		return fmt.Errorf("cel: expression yields %s, declared %s", out, s.ReturnType)
	}
	return nil
}

// Invoke evaluates the expression. The output document is returned
// unchanged.
func (rt *CELRuntime) Invoke(ctx context.Context, s model.Script, b Bindings) (Result, error) {
	if s.Type != model.ScriptEvaluate {
		return Result{}, fmt.Errorf("cel: script type %s is not supported", s.Type)
	}

	prg, err := rt.program(s.Source)
	if err != nil {
		return Result{}, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"input":   nonNil(b.Input),
		"output":  nonNil(b.Output),
		"args":    nonNil(b.Args),
		"request": nonNil(b.Request),
	})
	if err != nil {
		return Result{}, fmt.Errorf("cel: eval: %w", err)
	}

	return Result{Value: out.Value(), Output: b.Output}, nil
}

func (rt *CELRuntime) program(expr string) (cel.Program, error) {
	rt.mu.RLock()
	prg, hit := rt.prgCache[expr]
	rt.mu.RUnlock()
	if hit {
		return prg, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Double check
	if prg, hit = rt.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := rt.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile: %w", issues.Err())
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(100)}
	if rt.costLimit > 0 {
		opts = append(opts, cel.CostLimit(rt.costLimit))
	}
	p, err := rt.env.Program(ast, opts...)
	if err != nil {
		return nil, fmt.Errorf("cel: program: %w", err)
	}
	rt.prgCache[expr] = p
	return p, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
