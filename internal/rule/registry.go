// Package rule holds the active rule set: it validates configuration,
// publishes immutable snapshots and resolves rules for a resource and its
// structural context.
package rule

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/fhirbridge/internal/observability"
	"github.com/pitabwire/fhirbridge/internal/script"
	"github.com/pitabwire/fhirbridge/model"
)

type typeKey struct {
	direction    model.Direction
	resourceType model.FhirResourceType
}

// Snapshot is an immutable, versioned rule set. Readers may hold a snapshot
// for the duration of a pipeline run; later configuration changes publish a
// new snapshot and never modify this one.
type Snapshot struct {
	version  int64
	checksum string
	source   string
	loadedAt time.Time
	rules    []model.Rule
	scripts  *script.MapRegistry
	programs map[string]model.TrackerProgram
	// byType holds rule positions in configuration order.
	byType map[typeKey][]int
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		scripts:  script.NewMapRegistry(nil),
		programs: map[string]model.TrackerProgram{},
		byType:   map[typeKey][]int{},
	}
}

// Version returns the rule set version.
func (s *Snapshot) Version() int64 { return s.version }

// Checksum returns the combined checksum of the rule set.
func (s *Snapshot) Checksum() string { return s.checksum }

// Source describes where the rule set was loaded from.
func (s *Snapshot) Source() string { return s.source }

// LoadedAt returns when the snapshot was published.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Rules returns all rules in configuration order.
func (s *Snapshot) Rules() []model.Rule {
	return append([]model.Rule(nil), s.rules...)
}

// ActiveRules counts the enabled rules of enabled programs.
func (s *Snapshot) ActiveRules() int {
	n := 0
	for _, r := range s.rules {
		if s.active(r) {
			n++
		}
	}
	return n
}

// Scripts returns the snapshot's script registry.
func (s *Snapshot) Scripts() script.Registry { return s.scripts }

// Script returns the script with the given ID.
func (s *Snapshot) Script(id string) (model.Script, bool) { return s.scripts.Lookup(id) }

// Program returns the program with the given ID.
func (s *Snapshot) Program(id string) (model.TrackerProgram, bool) {
	p, ok := s.programs[id]
	return p, ok
}

// Programs returns all programs ordered by ID.
func (s *Snapshot) Programs() []model.TrackerProgram {
	out := make([]model.TrackerProgram, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) active(r model.Rule) bool {
	if !r.Enabled {
		return false
	}
	p, ok := s.programs[r.ProgramID]
	return ok && p.Enabled
}

type candidate struct {
	pos   int
	score int
}

// matches reports whether the rule's anchor is compatible with the context
// and how specific the match is. A program match weighs more than a stage
// match.
func matches(r model.Rule, sc model.StructuralContext) (int, bool) {
	score := 0
	if sc.Program != "" {
		if r.ProgramID != sc.Program {
			return 0, false
		}
		score += 2
	}
	if stage := r.Stage(); stage != "" && sc.Stage != "" {
		if stage != sc.Stage {
			return 0, false
		}
		score++
	}
	return score, true
}

func (s *Snapshot) candidates(d model.Direction, rt model.FhirResourceType, sc model.StructuralContext) []candidate {
	var out []candidate
	for _, pos := range s.byType[typeKey{direction: d, resourceType: rt}] {
		r := s.rules[pos]
		if !s.active(r) {
			continue
		}
		if score, ok := matches(r, sc); ok {
			out = append(out, candidate{pos: pos, score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (s *Snapshot) info(pos int) model.RuleInfo[model.Rule] {
	r := s.rules[pos]
	var deps []model.TrackerProgram
	if p, ok := s.programs[r.ProgramID]; ok {
		deps = []model.TrackerProgram{p}
	}
	return model.NewRuleInfo(r, deps)
}

// Resolve returns the enabled rules matching the resource type and
// structural context, most specific first, ties in configuration order. An
// empty result is not an error.
func (s *Snapshot) Resolve(d model.Direction, rt model.FhirResourceType, sc model.StructuralContext) []model.RuleInfo[model.Rule] {
	cands := s.candidates(d, rt, sc)
	out := make([]model.RuleInfo[model.Rule], len(cands))
	for i, c := range cands {
		out[i] = s.info(c.pos)
	}
	return out
}

// ResolveOne returns the single most specific rule. It fails with
// NoApplicableRuleError when nothing matches and with AmbiguousRuleError
// when the best candidates are equally specific.
func (s *Snapshot) ResolveOne(d model.Direction, rt model.FhirResourceType, sc model.StructuralContext) (model.RuleInfo[model.Rule], error) {
	cands := s.candidates(d, rt, sc)
	if len(cands) == 0 {
		return model.RuleInfo[model.Rule]{}, &model.NoApplicableRuleError{Direction: d, ResourceType: rt, Context: sc}
	}
	if len(cands) > 1 && cands[0].score == cands[1].score {
		var ids []string
		for _, c := range cands {
			if c.score != cands[0].score {
				break
			}
			ids = append(ids, s.rules[c.pos].ID)
		}
		return model.RuleInfo[model.Rule]{}, &model.AmbiguousRuleError{ResourceType: rt, RuleIDs: ids}
	}
	return s.info(cands[0].pos), nil
}

// Registry publishes rule set snapshots. Reads are lock-free; Replace is the
// single writer.
type Registry struct {
	snap      atomic.Pointer[Snapshot]
	validator *Validator
	mu        sync.Mutex
}

// NewRegistry creates a Registry holding an empty snapshot.
func NewRegistry(v *Validator) *Registry {
	r := &Registry{validator: v}
	r.snap.Store(emptySnapshot())
	return r
}

// Replace validates the rule set and, if it is free of contract violations
// and ambiguous anchors, atomically publishes it. On any error the current
// snapshot stays active.
func (r *Registry) Replace(set model.RuleSet) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if violations := r.validator.Validate(set); len(violations) > 0 {
		return nil, &model.ContractViolationError{Violations: violations}
	}

	s, err := buildSnapshot(set)
	if err != nil {
		return nil, err
	}

	r.snap.Store(s)
	return s, nil
}

type anchorKey struct {
	direction    model.Direction
	resourceType model.FhirResourceType
	program      string
	stage        string
}

func buildSnapshot(set model.RuleSet) (*Snapshot, error) {
	s := &Snapshot{
		version:  set.Version,
		source:   set.Source,
		loadedAt: time.Now().UTC(),
		rules:    append([]model.Rule(nil), set.Rules...),
		scripts:  script.NewMapRegistry(set.Scripts),
		programs: make(map[string]model.TrackerProgram, len(set.Programs)),
		byType:   make(map[typeKey][]int),
	}
	for _, p := range set.Programs {
		s.programs[p.ID] = p
	}

	anchors := make(map[anchorKey]string)
	for pos, rl := range s.rules {
		key := typeKey{direction: rl.Direction, resourceType: rl.FhirResourceType}
		s.byType[key] = append(s.byType[key], pos)

		if !s.active(rl) {
			continue
		}
		ak := anchorKey{
			direction:    rl.Direction,
			resourceType: rl.FhirResourceType,
			program:      rl.ProgramID,
			stage:        rl.Stage(),
		}
		if other, dup := anchors[ak]; dup {
			return nil, &model.AmbiguousRuleError{ResourceType: rl.FhirResourceType, RuleIDs: []string{other, rl.ID}}
		}
		anchors[ak] = rl.ID
	}

	s.checksum = set.Checksum
	if s.checksum == "" {
		data, err := json.Marshal(set)
		if err != nil {
			return nil, fmt.Errorf("rule: computing checksum: %w", err)
		}
		s.checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	}

	return s, nil
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}

// Resolve resolves against the active snapshot.
func (r *Registry) Resolve(d model.Direction, rt model.FhirResourceType, sc model.StructuralContext) []model.RuleInfo[model.Rule] {
	return r.Current().Resolve(d, rt, sc)
}

// ResolveOne resolves against the active snapshot.
func (r *Registry) ResolveOne(d model.Direction, rt model.FhirResourceType, sc model.StructuralContext) (model.RuleInfo[model.Rule], error) {
	return r.Current().ResolveOne(d, rt, sc)
}

// Version returns the active rule set version.
func (r *Registry) Version() int64 {
	return r.Current().Version()
}

// Checksum returns the active rule set checksum.
func (r *Registry) Checksum() string {
	return r.Current().Checksum()
}

// Loaded reports whether a non-empty rule set has been published.
func (r *Registry) Loaded() bool {
	return len(r.Current().rules) > 0
}

// Readiness describes the active snapshot for the readiness endpoint.
func (r *Registry) Readiness() observability.RuleSetStatus {
	s := r.Current()
	return observability.RuleSetStatus{
		Loaded:      len(s.rules) > 0,
		Version:     s.Version(),
		Checksum:    s.Checksum(),
		ActiveRules: s.ActiveRules(),
	}
}
