package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrNoApplicableRule           = "NO_APPLICABLE_RULE"
	ErrAmbiguousRule              = "AMBIGUOUS_RULE"
	ErrContractViolation          = "CONTRACT_VIOLATION"
	ErrInvocation                 = "INVOCATION_ERROR"
	ErrUnsupportedFilterParameter = "UNSUPPORTED_FILTER_PARAMETER"
	ErrVetoed                     = "VETOED"
	ErrHandoffInProgress          = "HANDOFF_IN_PROGRESS"
)

// CodedError is implemented by every error kind of the rule engine.
type CodedError interface {
	error
	Code() string
}

// NoApplicableRuleError reports that no enabled rule matched. Callers treat it
// as a skip, not as a failure.
type NoApplicableRuleError struct {
	Direction    Direction
	ResourceType FhirResourceType
	Context      StructuralContext
}

func (e *NoApplicableRuleError) Error() string {
	return fmt.Sprintf("%s: no enabled %s rule for %s (program %q, stage %q)",
		ErrNoApplicableRule, e.Direction, e.ResourceType, e.Context.Program, e.Context.Stage)
}

// Code returns the error code.
func (e *NoApplicableRuleError) Code() string { return ErrNoApplicableRule }

// AmbiguousRuleError reports that more than one rule matched with the same
// specificity. It is a configuration defect and is never retried.
type AmbiguousRuleError struct {
	ResourceType FhirResourceType
	RuleIDs      []string
}

func (e *AmbiguousRuleError) Error() string {
	return fmt.Sprintf("%s: rules %s match %s with equal specificity",
		ErrAmbiguousRule, strings.Join(e.RuleIDs, ", "), e.ResourceType)
}

// Code returns the error code.
func (e *AmbiguousRuleError) Code() string { return ErrAmbiguousRule }

// Violation is a single contract or structural problem of a rule, tagged with
// the field (script slot) it concerns.
type Violation struct {
	RuleID  string `json:"rule_id,omitempty"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	if v.RuleID == "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return fmt.Sprintf("rule %s: %s: %s", v.RuleID, v.Field, v.Message)
}

// ContractViolationError collects all violations found while validating a
// configuration.
type ContractViolationError struct {
	Violations []Violation
}

func (e *ContractViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%s: %d violation(s): %s", ErrContractViolation, len(e.Violations), strings.Join(msgs, "; "))
}

// Code returns the error code.
func (e *ContractViolationError) Code() string { return ErrContractViolation }

// InvocationError reports a failed script invocation. It is fatal for the
// current pipeline run only.
type InvocationError struct {
	Slot     string
	ScriptID string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s script %q: %v", ErrInvocation, e.Slot, e.ScriptID, e.Err)
}

// Code returns the error code.
func (e *InvocationError) Code() string { return ErrInvocation }

// Unwrap returns the underlying runtime error.
func (e *InvocationError) Unwrap() error { return e.Err }

// UnsupportedFilterParameterError reports an inbound search parameter that a
// strict filter cannot translate.
type UnsupportedFilterParameterError struct {
	Name   string
	Reason string
}

func (e *UnsupportedFilterParameterError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: search parameter %q is not supported", ErrUnsupportedFilterParameter, e.Name)
	}
	return fmt.Sprintf("%s: search parameter %q %s", ErrUnsupportedFilterParameter, e.Name, e.Reason)
}

// Code returns the error code.
func (e *UnsupportedFilterParameterError) Code() string { return ErrUnsupportedFilterParameter }

// VetoedTransformError reports that a before-hook stopped the pipeline. It is
// a deliberate stop, not a failure.
type VetoedTransformError struct {
	RuleID   string
	ScriptID string
}

func (e *VetoedTransformError) Error() string {
	return fmt.Sprintf("%s: rule %q vetoed by before script %q", ErrVetoed, e.RuleID, e.ScriptID)
}

// Code returns the error code.
func (e *VetoedTransformError) Code() string { return ErrVetoed }

// HandoffInProgressError reports that another run holds the ledger
// reservation for the same source version. The caller may retry once that
// run has finished.
type HandoffInProgressError struct {
	Key string
}

func (e *HandoffInProgressError) Error() string {
	return fmt.Sprintf("%s: another run is handing off %s", ErrHandoffInProgress, e.Key)
}

// Code returns the error code.
func (e *HandoffInProgressError) Code() string { return ErrHandoffInProgress }

// ErrorCode returns the code of the first CodedError in err's chain, or "".
func ErrorCode(err error) string {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

// IsFatal reports whether err is a configuration defect that must be surfaced
// to operators rather than retried or skipped.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrAmbiguousRule, ErrContractViolation:
		return true
	default:
		return false
	}
}

// IsSkip reports whether err means "nothing to do" rather than a failure.
func IsSkip(err error) bool {
	switch ErrorCode(err) {
	case ErrNoApplicableRule, ErrVetoed:
		return true
	default:
		return false
	}
}
