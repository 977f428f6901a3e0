package tracing

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Span names.
const (
	SpanWorkflowRun       = "workflow.run"
	SpanWorkflowDecompose = "workflow.decompose"
	SpanWorkflowAggregate = "workflow.aggregate"
	SpanNodeInvoke        = "node.invoke"
)

// Span attribute keys.
const (
	AttrWorkflowID     = "workflow.id"
	AttrWorkflowStatus = "workflow.status"
	AttrNodeID         = "node.id"
	AttrNodeStatus     = "node.status"
	AttrNodeAttempt    = "node.attempt"
	AttrCapabilityTag  = "capability.tag"
	AttrWorkerName     = "worker.name"
	AttrDurationMs     = "duration_ms"
	AttrNodeCount      = "graph.nodes"
	AttrInputHash      = "payload.input_hash"
	AttrOutputHash     = "payload.output_hash"
	AttrErrorKind      = "error.kind"
	AttrPlanner        = "decompose.planner"
)

// Recorder creates spans for coordinator operations. The zero value and a
// nil *Recorder both record nothing.
type Recorder struct {
	tracer trace.Tracer
	now    func() time.Time
}

// NewRecorder creates a recorder on the given tracer.
func NewRecorder(tracer trace.Tracer) *Recorder {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Recorder{tracer: tracer, now: time.Now}
}

// Noop returns a recorder that records nothing.
func Noop() *Recorder {
	return NewRecorder(nil)
}

// Span starts a span as a child of any span in ctx.
func (r *Recorder) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if r == nil || r.tracer == nil {
		r = Noop()
	}
	ctx, s := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: s, start: r.now(), now: r.now}
}

// Span wraps an OpenTelemetry span and records its duration and outcome on End.
type Span struct {
	span  trace.Span
	start time.Time
	now   func() time.Time
}

// SetAttributes adds attributes to the span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// End finishes the span. A non-nil err marks the span as failed and
// records the error kind.
func (s *Span) End(err error) {
	s.span.SetAttributes(attribute.Int64(AttrDurationMs, s.now().Sub(s.start).Milliseconds()))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetAttributes(attribute.String(AttrErrorKind, string(types.Classify(err))))
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// Context returns the span context, used to correlate logs with traces.
func (s *Span) Context() trace.SpanContext {
	return s.span.SpanContext()
}

// WorkflowID tags a span with the workflow it belongs to.
func WorkflowID(id string) attribute.KeyValue {
	return attribute.String(AttrWorkflowID, id)
}

// NodeID tags a span with a node.
func NodeID(id string) attribute.KeyValue {
	return attribute.String(AttrNodeID, id)
}

// Capability tags a span with a capability tag.
func Capability(tag string) attribute.KeyValue {
	return attribute.String(AttrCapabilityTag, tag)
}

// Status tags a span with a node status.
func Status(s types.NodeStatus) attribute.KeyValue {
	return attribute.String(AttrNodeStatus, string(s))
}

// Attempt tags a span with the attempt number.
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrNodeAttempt, n)
}

// Worker tags a span with the worker that served the attempt.
func Worker(name string) attribute.KeyValue {
	return attribute.String(AttrWorkerName, name)
}

// Hash returns a stable fingerprint of a payload so spans can be compared
// across runs without carrying payload content. encoding/json sorts map
// keys, which makes the encoding canonical for map payloads.
func Hash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// InputHash tags a span with the hash of an input payload.
func InputHash(p types.Payload) attribute.KeyValue {
	return attribute.String(AttrInputHash, Hash(p))
}

// OutputHash tags a span with the hash of an output payload.
func OutputHash(p types.Payload) attribute.KeyValue {
	return attribute.String(AttrOutputHash, Hash(p))
}
