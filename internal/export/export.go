// Package export serializes the mapping metadata of a rule snapshot into a
// single JSON document that can be imported elsewhere.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/model"
)

// ErrDependencyCycle is returned when metadata types depend on each other in
// a cycle and cannot be ordered.
var ErrDependencyCycle = errors.New("export: metadata types form a dependency cycle")

// Section names of the export document.
const (
	SectionPrograms  = "trackerPrograms"
	SectionScripts   = "executableScripts"
	SectionMappings  = "fhirResourceMappings"
	SectionRules     = "programStageRules"
	versionInfoField = "versionInfo"
)

// sectionDependencies lists, per section, the sections its objects refer to.
var sectionDependencies = map[string][]string{
	SectionPrograms: nil,
	SectionScripts:  nil,
	SectionMappings: nil,
	SectionRules:    {SectionPrograms, SectionScripts, SectionMappings},
}

// BuildInfo identifies the build that produced an export.
type BuildInfo struct {
	Version string
	Commit  string
}

// VersionInfo heads every export document.
type VersionInfo struct {
	ExportedAt      time.Time `json:"exportedAt"`
	Version         string    `json:"version,omitempty"`
	CommitID        string    `json:"commitId,omitempty"`
	RuleSetVersion  int64     `json:"ruleSetVersion"`
	RuleSetChecksum string    `json:"ruleSetChecksum,omitempty"`
}

// Mapping describes how a FHIR resource type is mapped for one FHIR version.
type Mapping struct {
	FhirVersion         model.FhirVersion         `json:"fhirVersion"`
	FhirResourceType    model.FhirResourceType    `json:"fhirResourceType"`
	TrackerResourceType model.TrackerResourceType `json:"trackerResourceType"`
	SearchOperation     string                    `json:"searchOperation"`
	SearchParameters    []string                  `json:"searchParameters"`
}

// Section is one named list of metadata objects.
type Section struct {
	Name    string
	Objects []any
}

// Document is an export. Sections are in dependency order: a section only
// refers to objects of sections before it.
type Document struct {
	VersionInfo VersionInfo
	Sections    []Section
}

// Section returns the named section.
func (d Document) Section(name string) (Section, bool) {
	for _, s := range d.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// MarshalJSON writes versionInfo first, then the sections in order.
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeField(&buf, versionInfoField, d.VersionInfo); err != nil {
		return nil, err
	}
	for _, s := range d.Sections {
		buf.WriteByte(',')
		objects := s.Objects
		if objects == nil {
			objects = []any{}
		}
		if err := writeField(&buf, s.Name, objects); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name string, v any) error {
	key, _ := json.Marshal(name)
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("export: encoding %s: %w", name, err)
	}
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// Exporter builds export documents.
type Exporter struct {
	providers *provider.Registry
	build     BuildInfo
	now       func() time.Time
}

// NewExporter creates an Exporter.
func NewExporter(providers *provider.Registry, build BuildInfo) *Exporter {
	return &Exporter{providers: providers, build: build, now: time.Now}
}

// Export collects the given programs, or all programs when programIDs is
// empty, together with their rules, the scripts those rules use and the FHIR
// resource mappings involved.
func (e *Exporter) Export(snap *rule.Snapshot, programIDs []string) (Document, error) {
	programs, err := selectPrograms(snap, programIDs)
	if err != nil {
		return Document{}, err
	}

	selected := make(map[string]bool, len(programs))
	for _, p := range programs {
		selected[p.ID] = true
	}

	var rules []model.Rule
	scriptIDs := make(map[string]bool)
	fhirTypes := make(map[model.FhirResourceType]bool)
	for _, p := range programs {
		if p.TrackedEntityFhirResourceType != "" {
			fhirTypes[p.TrackedEntityFhirResourceType] = true
		}
	}
	for _, r := range snap.Rules() {
		if !selected[r.ProgramID] {
			continue
		}
		rules = append(rules, r)
		fhirTypes[r.FhirResourceType] = true
		for _, es := range []*model.ExecutableScript{r.ApplicableScript, r.TransformScript, r.BeforeScript, r.AfterScript} {
			if es != nil {
				scriptIDs[es.ScriptID] = true
			}
		}
	}

	objects := map[string][]any{
		SectionPrograms: toObjects(programs),
		SectionScripts:  toObjects(e.scripts(snap, scriptIDs)),
		SectionMappings: toObjects(e.mappings(fhirTypes)),
		SectionRules:    toObjects(rules),
	}

	order, err := Order(sectionDependencies)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		VersionInfo: VersionInfo{
			ExportedAt:      e.now().UTC(),
			Version:         e.build.Version,
			CommitID:        e.build.Commit,
			RuleSetVersion:  snap.Version(),
			RuleSetChecksum: snap.Checksum(),
		},
	}
	for _, name := range order {
		doc.Sections = append(doc.Sections, Section{Name: name, Objects: objects[name]})
	}
	return doc, nil
}

func selectPrograms(snap *rule.Snapshot, ids []string) ([]model.TrackerProgram, error) {
	if len(ids) == 0 {
		return snap.Programs(), nil
	}
	out := make([]model.TrackerProgram, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, ok := snap.Program(id)
		if !ok {
			return nil, fmt.Errorf("export: unknown tracker program %q", id)
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Exporter) scripts(snap *rule.Snapshot, ids map[string]bool) []model.Script {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	out := make([]model.Script, 0, len(sorted))
	for _, id := range sorted {
		if s, ok := snap.Script(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// mappings returns the registered provider entries for the given types.
// Types without a provider, such as tracked entity types, are skipped.
func (e *Exporter) mappings(types map[model.FhirResourceType]bool) []Mapping {
	var out []Mapping
	for _, entry := range e.providers.Entries() {
		if !types[entry.ResourceType] {
			continue
		}
		out = append(out, Mapping{
			FhirVersion:         entry.Version,
			FhirResourceType:    entry.ResourceType,
			TrackerResourceType: entry.Provider.TrackerResourceType(),
			SearchOperation:     entry.Provider.SearchOperation(),
			SearchParameters:    entry.Collector.Names(),
		})
	}
	return out
}

func toObjects[T any](items []T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// Order returns the keys of deps so that every key comes after the keys it
// depends on. Each pass emits, in name order, all keys whose dependencies
// are already emitted, until none remain. A pass without progress means a
// cycle or a dependency on an unknown key.
func Order(deps map[string][]string) ([]string, error) {
	done := make(map[string]bool, len(deps))
	order := make([]string, 0, len(deps))

	for len(order) < len(deps) {
		var ready []string
		for name, requires := range deps {
			if done[name] {
				continue
			}
			ok := true
			for _, r := range requires {
				if !done[r] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			var pending []string
			for name := range deps {
				if !done[name] {
					pending = append(pending, name)
				}
			}
			sort.Strings(pending)
			return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, pending)
		}
		sort.Strings(ready)
		for _, name := range ready {
			done[name] = true
			order = append(order, name)
		}
	}
	return order, nil
}
