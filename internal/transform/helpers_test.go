package transform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

// --- Test helpers ---

type scriptFunc func(ctx context.Context, b script.Bindings) (script.Result, error)

// fakeRuntime dispatches invocations to per-script functions and records the
// order scripts ran in.
type fakeRuntime struct {
	mu    sync.Mutex
	fns   map[string]scriptFunc
	calls []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{fns: map[string]scriptFunc{
		"applicable": returns(true),
		"transform": func(_ context.Context, b script.Bindings) (script.Result, error) {
			b.Output["status"] = "COMPLETED"
			b.Output["source"] = b.Input["id"]
			return script.Result{Value: true, Output: b.Output}, nil
		},
		"before": returns(string(model.DecisionContinue)),
		"after":  returns(true),
	}}
}

func (f *fakeRuntime) Supports(model.ScriptLanguage) bool { return true }

func (f *fakeRuntime) Invoke(ctx context.Context, s model.Script, b script.Bindings) (script.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s.ID)
	fn := f.fns[s.ID]
	f.mu.Unlock()
	if fn == nil {
		return script.Result{}, fmt.Errorf("no behaviour for %s", s.ID)
	}
	return fn(ctx, b)
}

func (f *fakeRuntime) set(id string, fn scriptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[id] = fn
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func returns(v any) scriptFunc {
	return func(_ context.Context, b script.Bindings) (script.Result, error) {
		return script.Result{Value: v, Output: b.Output}, nil
	}
}

func fails(err error) scriptFunc {
	return func(context.Context, script.Bindings) (script.Result, error) {
		return script.Result{}, err
	}
}

// fakeRepository records every applied operation.
type fakeRepository struct {
	mu   sync.Mutex
	ops  []model.OperationRequest
	docs []model.Resource
	err  error

	// entered and release, when set, hold Apply until the test lets it go.
	entered chan struct{}
	release chan struct{}
}

func (r *fakeRepository) Apply(_ context.Context, op model.OperationRequest, res model.Resource) (model.ResourceID, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return model.ResourceID{}, r.err
	}
	r.ops = append(r.ops, op)
	r.docs = append(r.docs, res)
	if id, ok := op.Target(); ok {
		return id, nil
	}
	return model.ResourceID{Type: res.Type, ID: fmt.Sprintf("new-%d", len(r.ops))}, nil
}

func (r *fakeRepository) Ops() []model.OperationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OperationRequest(nil), r.ops...)
}

func testScripts() script.Registry {
	mk := func(id string, typ model.ScriptType, rt model.DataType) model.Script {
		return model.Script{ID: id, Name: id, Type: typ, ReturnType: rt, Language: model.LanguageStarlark, Source: "result = None"}
	}
	return script.NewMapRegistry([]model.Script{
		mk("applicable", model.ScriptEvaluate, model.DataTypeBoolean),
		mk("transform", model.ScriptTransformToDHIS, model.DataTypeBoolean),
		mk("before", model.ScriptEvaluate, model.DataTypeEventDecisionType),
		mk("after", model.ScriptEvaluate, model.DataTypeBoolean),
	})
}

func testProgram() model.TrackerProgram {
	return model.TrackerProgram{
		ID:                "anc",
		Name:              "Antenatal care",
		Enabled:           true,
		ExpEnabled:        true,
		FhirCreateEnabled: true,
		FhirUpdateEnabled: true,
		FhirDeleteEnabled: true,
	}
}

func testRuleInfo(p model.TrackerProgram) model.RuleInfo[model.Rule] {
	return model.NewRuleInfo(model.Rule{
		ID:               "anc-visit",
		Name:             "ANC visit",
		Direction:        model.DirectionToDHIS,
		FhirResourceType: model.FhirQuestionnaireResponse,
		ProgramID:        p.ID,
		Enabled:          true,
		ApplicableScript: &model.ExecutableScript{ScriptID: "applicable"},
		TransformScript:  &model.ExecutableScript{ScriptID: "transform", Arguments: map[string]any{"overwrite": true}},
		BeforeScript:     &model.ExecutableScript{ScriptID: "before"},
		AfterScript:      &model.ExecutableScript{ScriptID: "after"},
	}, []model.TrackerProgram{p})
}

var testLastUpdated = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testSource(id string) model.Resource {
	return model.Resource{
		Type:        string(model.FhirQuestionnaireResponse),
		ID:          id,
		LastUpdated: testLastUpdated,
		Data:        map[string]any{"id": id, "status": "completed"},
	}
}

func testRequest(id string) Request {
	src := testSource(id)
	return Request{
		Rule:          testRuleInfo(testProgram()),
		Scripts:       testScripts(),
		Version:       model.FhirR4,
		SourceRequest: model.NewSourceRequest(model.TrackerEvent, src.LastUpdated),
		Source:        src,
		TargetType:    "Event",
	}
}

func newTestOrchestrator(rt *fakeRuntime, repo *fakeRepository, opts ...Option) *Orchestrator {
	o := NewOrchestrator(rt, repo, opts...)
	n := 0
	var mu sync.Mutex
	o.newRunID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return o
}
