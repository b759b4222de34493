package model

import "fmt"

// OperationType is the kind of effect requested on the target system.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
	OperationNone   OperationType = "NONE"
)

// OperationRequest describes the write effect of a pipeline run on the target
// system. It is immutable; equality is structural and the value can be used as
// a map key.
type OperationRequest struct {
	opType OperationType
	target ResourceID
}

// NewOperationRequest creates an OperationRequest without a target identity.
func NewOperationRequest(opType OperationType) OperationRequest {
	return OperationRequest{opType: opType}
}

// NewTargetedOperationRequest creates an OperationRequest for a known target
// resource.
func NewTargetedOperationRequest(opType OperationType, target ResourceID) OperationRequest {
	return OperationRequest{opType: opType, target: target}
}

// Type returns the operation type.
func (o OperationRequest) Type() OperationType {
	return o.opType
}

// Target returns the target resource identity if one is set.
func (o OperationRequest) Target() (ResourceID, bool) {
	return o.target, !o.target.IsZero()
}

// Equal reports structural equality.
func (o OperationRequest) Equal(other OperationRequest) bool {
	return o == other
}

// IsNone reports whether the request asks for no effect at all.
func (o OperationRequest) IsNone() bool {
	return o.opType == OperationNone || o.opType == ""
}

func (o OperationRequest) String() string {
	if o.target.IsZero() {
		return string(o.opType)
	}
	return fmt.Sprintf("%s %s", o.opType, o.target)
}
