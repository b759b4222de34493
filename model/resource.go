package model

import "time"

// TrackerResourceType is a tracker-side resource type.
type TrackerResourceType string

const (
	TrackerEvent            TrackerResourceType = "PROGRAM_STAGE_EVENT"
	TrackerEnrollment       TrackerResourceType = "ENROLLMENT"
	TrackerTrackedEntity    TrackerResourceType = "TRACKED_ENTITY"
	TrackerOrganizationUnit TrackerResourceType = "ORGANIZATION_UNIT"
	TrackerProgramMetadata  TrackerResourceType = "PROGRAM_METADATA"
	TrackerProgramStageMeta TrackerResourceType = "PROGRAM_STAGE_METADATA"
)

// Resource is a resource of either system held as a generic document.
type Resource struct {
	Type        string         `json:"resourceType"`
	ID          string         `json:"id,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Identity returns the resource identity.
func (r Resource) Identity() ResourceID {
	return ResourceID{Type: r.Type, ID: r.ID}
}

// Clone returns a deep copy of the resource so that scripts operating on the
// copy cannot observe or affect the original.
func (r Resource) Clone() Resource {
	c := r
	c.Data = cloneMap(r.Data)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// ResourceID identifies a resource. It is comparable and usable as a map key.
type ResourceID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the identity is unset.
func (id ResourceID) IsZero() bool {
	return id.Type == "" && id.ID == ""
}

func (id ResourceID) String() string {
	return id.Type + "/" + id.ID
}

// SourceRequest is the read-only view of the tracker request that caused a
// transformation. Scripts receive it but cannot change it.
type SourceRequest struct {
	resourceType TrackerResourceType
	lastUpdated  time.Time
}

// NewSourceRequest creates a SourceRequest. A zero lastUpdated means unknown.
func NewSourceRequest(resourceType TrackerResourceType, lastUpdated time.Time) SourceRequest {
	return SourceRequest{resourceType: resourceType, lastUpdated: lastUpdated}
}

// ResourceType returns the processed tracker resource type.
func (r SourceRequest) ResourceType() TrackerResourceType {
	return r.resourceType
}

// LastUpdated returns when the processed resource was last updated.
func (r SourceRequest) LastUpdated() (time.Time, bool) {
	return r.lastUpdated, !r.lastUpdated.IsZero()
}

// Bindings returns the request as a plain value for script bindings.
func (r SourceRequest) Bindings() map[string]any {
	m := map[string]any{"resourceType": string(r.resourceType)}
	if !r.lastUpdated.IsZero() {
		m["lastUpdated"] = r.lastUpdated.UTC().Format(time.RFC3339)
	}
	return m
}
