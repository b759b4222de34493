package model

import (
	"testing"
	"time"
)

func TestOperationRequest_structuralEquality(t *testing.T) {
	id := ResourceID{Type: "QuestionnaireResponse", ID: "qr1"}
	a := NewTargetedOperationRequest(OperationUpdate, id)
	b := NewTargetedOperationRequest(OperationUpdate, ResourceID{Type: "QuestionnaireResponse", ID: "qr1"})

	if !a.Equal(b) || a != b {
		t.Error("requests with the same type and identity should be equal")
	}

	c := NewTargetedOperationRequest(OperationDelete, id)
	if a.Equal(c) {
		t.Error("requests with different types should differ")
	}

	seen := map[OperationRequest]int{a: 1}
	seen[b]++
	if len(seen) != 1 || seen[a] != 2 {
		t.Errorf("map keyed by OperationRequest = %v, want a single entry", seen)
	}
}

func TestOperationRequest_target(t *testing.T) {
	op := NewOperationRequest(OperationCreate)
	if _, ok := op.Target(); ok {
		t.Error("Target() should report absent identity")
	}
	if op.String() != "CREATE" {
		t.Errorf("String() = %q", op.String())
	}

	op = NewTargetedOperationRequest(OperationUpdate, ResourceID{Type: "Patient", ID: "p1"})
	id, ok := op.Target()
	if !ok || id.ID != "p1" {
		t.Errorf("Target() = %v, %v", id, ok)
	}
	if op.String() != "UPDATE Patient/p1" {
		t.Errorf("String() = %q", op.String())
	}
}

func TestOperationRequest_IsNone(t *testing.T) {
	if !NewOperationRequest(OperationNone).IsNone() {
		t.Error("NONE should be none")
	}
	if !(OperationRequest{}).IsNone() {
		t.Error("zero value should be none")
	}
	if NewOperationRequest(OperationCreate).IsNone() {
		t.Error("CREATE should not be none")
	}
}

func TestSourceRequest(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewSourceRequest(TrackerEvent, ts)
	if r.ResourceType() != TrackerEvent {
		t.Errorf("ResourceType() = %q", r.ResourceType())
	}
	got, ok := r.LastUpdated()
	if !ok || !got.Equal(ts) {
		t.Errorf("LastUpdated() = %v, %v", got, ok)
	}
	b := r.Bindings()
	if b["lastUpdated"] != "2024-03-01T10:00:00Z" {
		t.Errorf("Bindings()[lastUpdated] = %v", b["lastUpdated"])
	}

	if _, ok := NewSourceRequest(TrackerEvent, time.Time{}).LastUpdated(); ok {
		t.Error("zero timestamp should be reported as unknown")
	}
}

func TestResource_CloneIsDeep(t *testing.T) {
	r := Resource{Type: "Event", ID: "e1", Data: map[string]any{
		"dataValues": []any{map[string]any{"value": "1"}},
	}}
	c := r.Clone()
	c.Data["dataValues"].([]any)[0].(map[string]any)["value"] = "2"

	orig := r.Data["dataValues"].([]any)[0].(map[string]any)["value"]
	if orig != "1" {
		t.Errorf("original mutated through clone: %v", orig)
	}
}

func TestReference_Valid(t *testing.T) {
	tests := []struct {
		ref  Reference
		want bool
	}{
		{Reference{Type: ReferenceID, Value: "MsWxkiY6tMS"}, true},
		{Reference{Type: ReferenceName, Value: "Birth"}, true},
		{Reference{Type: ReferenceCode, Value: "  "}, false},
		{Reference{Type: "URL", Value: "x"}, false},
		{Reference{}, false},
	}
	for _, tt := range tests {
		if got := tt.ref.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	if d, ok := ParseDecision("BREAK"); !ok || d != DecisionBreak {
		t.Errorf("ParseDecision(BREAK) = %q, %v", d, ok)
	}
	if _, ok := ParseDecision("STOP"); ok {
		t.Error("ParseDecision(STOP) should fail")
	}
}
