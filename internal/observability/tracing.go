package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/model"
)

const tracerName = "github.com/pitabwire/fhirbridge"

// Span names of a pipeline run.
const (
	SpanRun    = "transform.run"
	SpanScript = "script.invoke"
	SpanApply  = "repository.apply"
)

// Attribute keys for bridge spans.
var (
	AttrRunID          = attribute.Key("fhirbridge.run_id")
	AttrCorrelationID  = attribute.Key("fhirbridge.correlation_id")
	AttrRuleID         = attribute.Key("fhirbridge.rule_id")
	AttrDirection      = attribute.Key("fhirbridge.direction")
	AttrSource         = attribute.Key("fhirbridge.source")
	AttrScriptID       = attribute.Key("fhirbridge.script_id")
	AttrScriptSlot     = attribute.Key("fhirbridge.script_slot")
	AttrScriptLanguage = attribute.Key("fhirbridge.script_language")
	AttrResourceType   = attribute.Key("fhirbridge.resource_type")
	AttrFhirVersion    = attribute.Key("fhirbridge.fhir_version")
	AttrOperation      = attribute.Key("fhirbridge.operation")
	AttrTarget         = attribute.Key("fhirbridge.target")
	AttrOutcome        = attribute.Key("fhirbridge.outcome")
	AttrBackend        = attribute.Key("fhirbridge.backend")
)

// InitTracing initializes the OpenTelemetry TracerProvider with the given
// configuration. It returns a shutdown function that flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		// Return a no-op shutdown when tracing is disabled.
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	sampler := newSampler(cfg)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global tracer provider and propagator.
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newExporter creates a trace exporter based on configuration.
func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root traces at the configured ratio and follows the
// parent otherwise. Runs of the rules listed in SampleRules are always
// recorded, whatever the parent decided.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	if rate > 1 {
		rate = 1.0
	}

	var base sdktrace.Sampler
	if rate >= 1.0 {
		base = sdktrace.AlwaysSample()
	} else {
		base = sdktrace.TraceIDRatioBased(rate)
	}
	sampler := sdktrace.ParentBased(base)

	if len(cfg.SampleRules) == 0 {
		return sampler
	}
	rules := make(map[string]bool, len(cfg.SampleRules))
	for _, id := range cfg.SampleRules {
		rules[id] = true
	}
	return &ruleSampler{delegate: sampler, rules: rules}
}

// ruleSampler records every run span of a selected rule.
type ruleSampler struct {
	delegate sdktrace.Sampler
	rules    map[string]bool
}

func (s *ruleSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if p.Name == SpanRun {
		for _, kv := range p.Attributes {
			if kv.Key == AttrRuleID && s.rules[kv.Value.AsString()] {
				return sdktrace.SamplingResult{
					Decision:   sdktrace.RecordAndSample,
					Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
				}
			}
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s *ruleSampler) Description() string {
	return fmt.Sprintf("RuleSampler{%d rules,%s}", len(s.rules), s.delegate.Description())
}

// Tracer returns the package-level tracer for creating spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a convenience wrapper around tracer.Start that uses the
// package-level tracer and converts attribute key-value pairs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpanWithError ends a span, setting its status to error if err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartRunSpan starts the span of one pipeline run.
func StartRunSpan(ctx context.Context, rc *model.RunContext, resourceType model.FhirResourceType) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrRunID.String(rc.RunID),
		AttrRuleID.String(rc.RuleID),
		AttrDirection.String(string(rc.Direction)),
		AttrResourceType.String(string(resourceType)),
		AttrSource.String(rc.Source.String()),
	}
	if rc.FhirVersion != "" {
		attrs = append(attrs, AttrFhirVersion.String(string(rc.FhirVersion)))
	}
	if rc.CorrelationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(rc.CorrelationID))
	}
	return StartSpan(ctx, SpanRun, attrs...)
}

// EndRunSpan records the outcome of a run. Skips such as a veto or a
// missing rule end the span without an error status.
func EndRunSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if model.IsSkip(err) {
		err = nil
	}
	EndSpanWithError(span, err)
}

// StartScriptSpan starts the span of one script slot invocation.
func StartScriptSpan(ctx context.Context, slot string, s model.Script) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanScript,
		AttrScriptSlot.String(slot),
		AttrScriptID.String(s.ID),
		AttrScriptLanguage.String(string(s.Language)),
	)
}

// StartApplySpan starts the span of a repository handoff. Update and delete
// carry their target; a create learns it in EndApplySpan.
func StartApplySpan(ctx context.Context, op model.OperationRequest) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrOperation.String(string(op.Type()))}
	if target, ok := op.Target(); ok {
		attrs = append(attrs, AttrTarget.String(target.String()))
	}
	return StartSpan(ctx, SpanApply, attrs...)
}

// EndApplySpan ends a handoff span with the resource the repository wrote.
func EndApplySpan(span trace.Span, target model.ResourceID, err error) {
	if err == nil && !target.IsZero() {
		span.SetAttributes(AttrTarget.String(target.String()))
	}
	EndSpanWithError(span, err)
}

// StartBackendSpan starts a client span for one call to a repository
// backend.
func StartBackendSpan(ctx context.Context, backend, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "repository."+backend,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrBackend.String(backend),
			semconv.HTTPRequestMethodKey.String(method),
		),
	)
}

// TraceIDFromContext extracts the trace ID from the current span context.
// Returns an empty string if no active span is found.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext extracts the span ID from the current span context.
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span for each request, continuing an
// inbound W3C traceparent. The span is renamed to the matched chi route once
// the handler has run, so search and transform calls group by endpoint
// rather than by resource id.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		next.ServeHTTP(sw, r.WithContext(ctx))

		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		if id := w.Header().Get("X-Correlation-Id"); id != "" {
			span.SetAttributes(AttrCorrelationID.String(id))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders injects the current trace context into outbound HTTP
// request headers for propagation to backend services.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// tracingStatusWriter wraps http.ResponseWriter to capture the status code.
type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
