package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pitabwire/fhirbridge/internal/transform"
	"github.com/pitabwire/fhirbridge/model"
)

// maxTransformBatch bounds the number of inputs accepted per request.
const maxTransformBatch = 500

// Transformer runs a batch of inputs through the transformation pipeline.
type Transformer interface {
	ProcessAll(ctx context.Context, ins []transform.Input) []transform.Item
}

// TransformInput is the wire form of a transform.Input.
type TransformInput struct {
	FhirVersion   model.FhirVersion      `json:"fhirVersion"`
	Direction     model.Direction        `json:"direction"`
	ResourceType  model.FhirResourceType `json:"resourceType"`
	Program       string                 `json:"program"`
	Stage         string                 `json:"stage,omitempty"`
	Resource      model.Resource         `json:"resource"`
	Existing      *model.Resource        `json:"existing,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// TransformRequest is the body of POST /transform.
type TransformRequest struct {
	Inputs []TransformInput `json:"inputs"`
}

// TransformResult reports the outcome of one input.
type TransformResult struct {
	RunID     string            `json:"runId,omitempty"`
	RuleID    string            `json:"ruleId,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Target    *model.ResourceID `json:"target,omitempty"`
	Output    *model.Resource   `json:"output,omitempty"`
	Warning   string            `json:"warning,omitempty"`
	Error     *ErrorBody        `json:"error,omitempty"`
}

// TransformResponse is the body returned by POST /transform. Results are in
// input order.
type TransformResponse struct {
	Results []TransformResult `json:"results"`
}

func handleTransform(pipeline Transformer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransformRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
			return
		}
		if len(req.Inputs) == 0 {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "at least one input is required")
			return
		}
		if len(req.Inputs) > maxTransformBatch {
			WriteError(w, http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE",
				fmt.Sprintf("at most %d inputs are accepted", maxTransformBatch))
			return
		}

		correlationID := CorrelationIDFrom(r.Context())
		ins := make([]transform.Input, len(req.Inputs))
		for i, in := range req.Inputs {
			ins[i] = in.Input(correlationID)
		}

		items := pipeline.ProcessAll(r.Context(), ins)
		resp := TransformResponse{Results: make([]TransformResult, len(items))}
		for i, item := range items {
			resp.Results[i] = NewTransformResult(item)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// Input converts the wire form. The input's own correlation ID, when set,
// takes precedence over correlationID.
func (in TransformInput) Input(correlationID string) transform.Input {
	direction := in.Direction
	if direction == "" {
		direction = model.DirectionToDHIS
	}
	if in.CorrelationID != "" {
		correlationID = in.CorrelationID
	}
	source := in.Resource
	if source.Type == "" {
		source.Type = string(in.ResourceType)
	}
	return transform.Input{
		Version:       in.FhirVersion,
		Direction:     direction,
		ResourceType:  in.ResourceType,
		Context:       model.StructuralContext{Program: in.Program, Stage: in.Stage},
		Source:        source,
		Existing:      in.Existing,
		CorrelationID: correlationID,
	}
}

// NewTransformResult converts a pipeline item to its wire form.
func NewTransformResult(item transform.Item) TransformResult {
	res := item.Result
	out := TransformResult{
		RunID:  res.RunID,
		RuleID: res.RuleID,
	}
	if res.Outcome != "" {
		out.Outcome = string(res.Outcome)
		out.Operation = string(res.Operation.Type())
	}
	if res.Target != (model.ResourceID{}) {
		target := res.Target
		out.Target = &target
	}
	if res.Output.Type != "" {
		output := res.Output
		out.Output = &output
	}
	if res.AfterErr != nil {
		out.Warning = res.AfterErr.Error()
	}
	if item.Err != nil {
		out.Error = errorBody(item.Err)
	}
	return out
}

func errorBody(err error) *ErrorBody {
	code := model.ErrorCode(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return &ErrorBody{Code: code, Message: err.Error()}
}
