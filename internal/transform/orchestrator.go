// Package transform runs the script lifecycle of a resolved rule against one
// source resource and hands the resulting effect to the repository.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

// Outcome is how a pipeline run ended.
type Outcome string

const (
	// OutcomeNotApplicable means the applicability script returned false.
	OutcomeNotApplicable Outcome = "not_applicable"
	// OutcomeDeclined means the transform script returned false.
	OutcomeDeclined Outcome = "declined"
	// OutcomeVetoed means the before script returned BREAK.
	OutcomeVetoed Outcome = "vetoed"
	// OutcomeUnchanged means the derived operation was NONE.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeApplied means the repository accepted the effect.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplayed means the ledger already held the same effect.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeFailed means the run ended with an error.
	OutcomeFailed Outcome = "failed"
)

// Repository applies operation requests to the target system.
type Repository interface {
	Apply(ctx context.Context, op model.OperationRequest, res model.Resource) (model.ResourceID, error)
}

// Request is everything one pipeline run needs. Scripts must be the registry
// of the snapshot Rule was resolved from.
type Request struct {
	Rule          model.RuleInfo[model.Rule]
	Scripts       script.Registry
	Version       model.FhirVersion
	SourceRequest model.SourceRequest
	Source        model.Resource
	// Existing is the current target resource, nil if there is none.
	Existing *model.Resource
	// TargetType is the resource type of the produced document.
	TargetType    string
	CorrelationID string
}

// Result describes a finished pipeline run.
type Result struct {
	RunID     string
	RuleID    string
	Outcome   Outcome
	Operation model.OperationRequest
	// Output is the transformed target document. It is unset for runs that
	// stopped before the transform script.
	Output model.Resource
	// Target is the identity the repository reported for the effect.
	Target model.ResourceID
	// AfterErr is the advisory after-hook failure, if any.
	AfterErr error
}

// Config holds orchestrator settings.
type Config struct {
	LedgerTTL time.Duration
}

// Orchestrator executes the applicability, transform, before and after
// scripts of a rule in fixed order. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	runtime    script.Runtime
	repository Repository
	ledger     Ledger
	metrics    *observability.Metrics
	logger     *zap.Logger
	ledgerTTL  time.Duration
	newRunID   func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger enables handoff deduplication.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithMetrics records run and script metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfig applies orchestrator settings.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		if cfg.LedgerTTL > 0 {
			o.ledgerTTL = cfg.LedgerTTL
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(rt script.Runtime, repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime:    rt,
		repository: repo,
		logger:     zap.NewNop(),
		ledgerTTL:  DefaultLedgerTTL,
		newRunID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state of one pipeline run.
type run struct {
	req     Request
	input   map[string]any
	request map[string]any
}

// Run executes the rule's lifecycle for one source resource.
//
// A run ends in exactly one Outcome. Not-applicable, declined and unchanged
// runs return a nil error. A vetoed run returns its Result together with a
// *model.VetoedTransformError. Script failures return *model.InvocationError;
// nothing is handed off in that case, nor when ctx is cancelled before the
// handoff. The after script runs only once the repository accepted the
// effect and its failure is reported in Result.AfterErr.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result, err error) {
	r := req.Rule.Rule
	rc := &model.RunContext{
		RunID:         o.newRunID(),
		CorrelationID: req.CorrelationID,
		RuleID:        r.ID,
		Direction:     r.Direction,
		Source:        req.Source.Identity(),
		FhirVersion:   req.Version,
	}
	res = Result{RunID: rc.RunID, RuleID: r.ID}
	if err := rc.Validate(); err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("transform: rule %q: %w", r.ID, err)
	}
	ctx = model.WithRunContext(ctx, rc)

	ctx, span := observability.StartRunSpan(ctx, rc, r.FhirResourceType)
	start := time.Now()
	defer func() {
		if err != nil && !model.IsSkip(err) {
			res.Outcome = OutcomeFailed
		}
		observability.EndRunSpan(span, string(res.Outcome), err)
		o.metrics.RecordPipelineRun(r.ID, string(res.Outcome), time.Since(start))
	}()

	if req.Scripts == nil {
		return res, fmt.Errorf("transform: rule %q: no script registry", r.ID)
	}
	program, ok := req.Rule.Program()
	if !ok {
		return res, fmt.Errorf("transform: rule %q: program %q not resolved", r.ID, r.ProgramID)
	}

	src := req.Source.Clone()
	st := &run{
		req:     req,
		input:   nonNilMap(src.Data),
		request: req.SourceRequest.Bindings(),
	}

	output := map[string]any{}
	if req.Existing != nil {
		output = nonNilMap(req.Existing.Clone().Data)
	}

	// (1) Applicability.
	if r.ApplicableScript != nil {
		ok, err := o.evalBool(ctx, st, rule.SlotApplicable, r.ApplicableScript, cloneDoc(output))
		if err != nil {
			return res, err
		}
		if !ok {
			res.Outcome = OutcomeNotApplicable
			return res, nil
		}
	}

	// (2) Transform. A deleted source has nothing to transform; without a
	// transform script the effect is derived from the existing target alone.
	if !req.Source.Deleted && r.TransformScript != nil {
		sr, err := o.invoke(ctx, st, rule.SlotTransform, r.TransformScript, output)
		if err != nil {
			return res, err
		}
		ok, err := asBool(rule.SlotTransform, r.TransformScript.ScriptID, sr.Value)
		if err != nil {
			return res, err
		}
		if sr.Output != nil {
			output = sr.Output
		}
		res.Output = o.outputResource(req, output)
		if !ok {
			res.Outcome = OutcomeDeclined
			return res, nil
		}
	} else {
		res.Output = o.outputResource(req, output)
	}

	// (3) Before.
	decision := model.DecisionContinue
	if r.BeforeScript != nil {
		sr, err := o.invoke(ctx, st, rule.SlotBefore, r.BeforeScript, cloneDoc(output))
		if err != nil {
			return res, err
		}
		decision, err = asDecision(r.BeforeScript.ScriptID, sr.Value)
		if err != nil {
			return res, err
		}
		if decision == model.DecisionBreak {
			res.Outcome = OutcomeVetoed
			res.Output = model.Resource{}
			observability.RunLogger(ctx, o.logger).Warn("run vetoed by before script",
				zap.String("script_id", r.BeforeScript.ScriptID))
			return res, &model.VetoedTransformError{RuleID: r.ID, ScriptID: r.BeforeScript.ScriptID}
		}
	}

	op := deriveOperation(req, r.Direction, program, decision)
	res.Operation = op
	if op.IsNone() {
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	// Nothing may be handed off once the caller gave up.
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("transform: run %s cancelled before handoff: %w", rc.RunID, err)
	}

	// (4) Handoff, deduplicated by the ledger.
	key, hash, err := o.ledgerKey(req, op, output)
	if err != nil {
		return res, err
	}
	if key != "" {
		entry, found, err := o.ledger.Check(ctx, key, hash)
		if err != nil {
			return res, fmt.Errorf("transform: ledger check: %w", err)
		}
		if found {
			o.metrics.RecordLedgerHit(r.ID)
			observability.RunLogger(ctx, o.logger).Debug("handoff already applied",
				zap.String("applied_run_id", entry.RunID))
			res.Outcome = OutcomeReplayed
			res.Target = entry.Target
			return res, nil
		}

		reserved, err := o.ledger.Reserve(ctx, key, rc.RunID, reservationTTL)
		if err != nil {
			return res, fmt.Errorf("transform: ledger reserve: %w", err)
		}
		if !reserved {
			return res, &model.HandoffInProgressError{Key: key}
		}
		defer func() {
			if err := o.ledger.Release(context.WithoutCancel(ctx), key, rc.RunID); err != nil {
				observability.RunLogger(ctx, o.logger).Warn("releasing ledger reservation failed", zap.Error(err))
			}
		}()
	}

	target, err := o.handoff(ctx, op, res.Output)
	if err != nil {
		return res, err
	}
	res.Target = target
	res.Outcome = OutcomeApplied

	if key != "" {
		entry := LedgerEntry{RunID: rc.RunID, Operation: op.Type(), Target: target, AppliedAt: time.Now().UTC()}
		if err := o.ledger.Record(ctx, key, hash, entry, o.ledgerTTL); err != nil {
			observability.RunLogger(ctx, o.logger).Error("recording handoff failed", zap.Error(err))
		}
	}

	// (5) After. Advisory only.
	if r.AfterScript != nil {
		st.request = withEffect(st.request, op, target)
		ok, err := o.evalBool(ctx, st, rule.SlotAfter, r.AfterScript, cloneDoc(output))
		if err == nil && !ok {
			err = fmt.Errorf("after script %q reported failure", r.AfterScript.ScriptID)
		}
		if err != nil {
			res.AfterErr = err
			observability.RunLogger(ctx, o.logger).Warn("after script failed", zap.Error(err))
		}
	}

	return res, nil
}

func (o *Orchestrator) handoff(ctx context.Context, op model.OperationRequest, out model.Resource) (model.ResourceID, error) {
	ctx, span := observability.StartApplySpan(ctx, op)
	target, err := o.repository.Apply(ctx, op, out)
	observability.EndApplySpan(span, target, err)
	if err != nil {
		observability.RunLogger(ctx, o.logger).Error("repository rejected operation",
			zap.Stringer("operation", op), zap.Error(err))
		observability.RunLogger(ctx, o.logger).Debug("rejected document",
			zap.Any("document", observability.RedactBody(out.Data, nil)))
		return model.ResourceID{}, fmt.Errorf("transform: applying %s: %w", op, err)
	}
	observability.RunLogger(ctx, o.logger).Debug("operation applied",
		zap.Stringer("operation", op), zap.Stringer("target", target))
	return target, nil
}

func (o *Orchestrator) ledgerKey(req Request, op model.OperationRequest, output map[string]any) (string, string, error) {
	if o.ledger == nil {
		return "", "", nil
	}
	lastUpdated, ok := req.SourceRequest.LastUpdated()
	if !ok {
		lastUpdated = req.Source.LastUpdated
	}
	key := FormatLedgerKey(req.Rule.Rule.ID, req.Source.Identity(), lastUpdated)
	if key == "" {
		return "", "", nil
	}
	hash, err := EffectHash(op, output)
	if err != nil {
		return "", "", fmt.Errorf("transform: %w", err)
	}
	return key, hash, nil
}

func (o *Orchestrator) outputResource(req Request, output map[string]any) model.Resource {
	out := model.Resource{Type: req.TargetType, Data: output}
	if req.Existing != nil {
		out.Type = req.Existing.Type
		out.ID = req.Existing.ID
	}
	return out
}

// invoke runs one script slot. Output is the document bound as "output".
func (o *Orchestrator) invoke(ctx context.Context, st *run, slot string, es *model.ExecutableScript, output map[string]any) (script.Result, error) {
	s, ok := st.req.Scripts.Lookup(es.ScriptID)
	if !ok {
		return script.Result{}, &model.InvocationError{Slot: slot, ScriptID: es.ScriptID, Err: errors.New("script not found")}
	}

	ctx, span := observability.StartScriptSpan(ctx, slot, s)
	start := time.Now()
	sr, err := o.runtime.Invoke(ctx, s, script.Bindings{
		Input:   st.input,
		Output:  output,
		Args:    es.Arguments,
		Request: st.request,
	})
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordScriptInvocation(slot, string(s.Language), status, elapsed)

	logger := observability.RunLogger(ctx, o.logger)
	if err != nil {
		logger.Error("script invocation failed",
			zap.String("slot", slot), zap.String("script_id", s.ID), zap.Error(err))
		return script.Result{}, &model.InvocationError{Slot: slot, ScriptID: s.ID, Err: err}
	}
	logger.Debug("script invoked",
		zap.String("slot", slot), zap.String("script_id", s.ID),
		zap.Any("value", sr.Value), zap.Duration("duration", elapsed))
	return sr, nil
}

func (o *Orchestrator) evalBool(ctx context.Context, st *run, slot string, es *model.ExecutableScript, output map[string]any) (bool, error) {
	sr, err := o.invoke(ctx, st, slot, es, output)
	if err != nil {
		return false, err
	}
	return asBool(slot, es.ScriptID, sr.Value)
}

func asBool(slot, scriptID string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, &model.InvocationError{Slot: slot, ScriptID: scriptID, Err: fmt.Errorf("returned %T, want boolean", v)}
	}
	return b, nil
}

func asDecision(scriptID string, v any) (model.Decision, error) {
	s, ok := v.(string)
	if !ok {
		return "", &model.InvocationError{Slot: rule.SlotBefore, ScriptID: scriptID, Err: fmt.Errorf("returned %T, want decision", v)}
	}
	d, ok := model.ParseDecision(s)
	if !ok {
		return "", &model.InvocationError{Slot: rule.SlotBefore, ScriptID: scriptID, Err: fmt.Errorf("unknown decision %q", s)}
	}
	return d, nil
}

// deriveOperation maps the source state, the existing target and the
// program's operation policy to the effect of the run. The program's FHIR
// flags govern only runs that write FHIR resources; tracker writes follow the
// source state alone.
func deriveOperation(req Request, d model.Direction, p model.TrackerProgram, decision model.Decision) model.OperationRequest {
	var existing model.ResourceID
	if req.Existing != nil {
		existing = req.Existing.Identity()
	}

	createOK, updateOK, deleteOK := true, true, true
	if d == model.DirectionToFHIR {
		if !p.ExpEnabled {
			return model.NewOperationRequest(model.OperationNone)
		}
		createOK, updateOK, deleteOK = p.FhirCreateEnabled, p.FhirUpdateEnabled, p.FhirDeleteEnabled
	}

	switch {
	case req.Source.Deleted:
		if req.Existing != nil && deleteOK {
			return model.NewTargetedOperationRequest(model.OperationDelete, existing)
		}
	case decision == model.DecisionNew:
		if createOK {
			return model.NewOperationRequest(model.OperationCreate)
		}
	case req.Existing == nil:
		if createOK {
			return model.NewOperationRequest(model.OperationCreate)
		}
	default:
		if updateOK {
			return model.NewTargetedOperationRequest(model.OperationUpdate, existing)
		}
	}
	return model.NewOperationRequest(model.OperationNone)
}

func withEffect(request map[string]any, op model.OperationRequest, target model.ResourceID) map[string]any {
	m := make(map[string]any, len(request)+2)
	for k, v := range request {
		m[k] = v
	}
	m["operation"] = string(op.Type())
	if !target.IsZero() {
		m["targetId"] = target.ID
	}
	return m
}

func cloneDoc(m map[string]any) map[string]any {
	return model.Resource{Data: m}.Clone().Data
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
