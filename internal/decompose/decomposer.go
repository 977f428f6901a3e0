// Package decompose turns workflow requests into sealed task graphs.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"

	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/internal/tracing"
	"github.com/avi3tal/coordinator/pkg/types"
)

// Keys the decomposer sets on every node input. Subtask input entries win
// over these on conflict.
const (
	InputGoalKey        = "goal"
	InputDescriptionKey = "description"
	InputArtifactsKey   = "artifacts"
)

// Catalog is the read-only view of registered capabilities the decomposer
// validates plans against. *registry.Registry satisfies it.
type Catalog interface {
	Has(tag string) bool
	Tags() []string
}

// Decomposer builds task graphs from requests.
type Decomposer struct {
	catalog  Catalog
	planner  Planner
	recorder *tracing.Recorder
	logger   *slog.Logger
}

// Option configures a Decomposer
type Option func(*Decomposer)

// WithRecorder sets the span recorder
func WithRecorder(r *tracing.Recorder) Option {
	return func(d *Decomposer) {
		d.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Decomposer) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a decomposer. A nil planner uses the default keyword rules.
func New(catalog Catalog, planner Planner, opts ...Option) *Decomposer {
	if planner == nil {
		planner = NewKeywordPlanner()
	}
	d := &Decomposer{
		catalog:  catalog,
		planner:  planner,
		recorder: tracing.Noop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "decomposer")
	return d
}

// Plan returns the subtasks for req without building a graph. Structured
// requests are returned as-is.
func (d *Decomposer) Plan(ctx context.Context, req types.WorkflowRequest) ([]types.Subtask, error) {
	if req.Structured() {
		return req.Clone().Subtasks, nil
	}
	plan, err := d.planner.Plan(ctx, req, d.available(req.Config))
	if err != nil {
		return nil, types.NewDecompositionError("plan", err)
	}
	return plan, nil
}

// Build decomposes req into a sealed graph whose ID is the request ID.
// Every failure is a *types.DecompositionError.
func (d *Decomposer) Build(ctx context.Context, req types.WorkflowRequest) (g *graph.TaskGraph, err error) {
	ctx, span := d.recorder.Span(ctx, tracing.SpanWorkflowDecompose,
		tracing.WorkflowID(req.ID),
		attribute.Bool("request.structured", req.Structured()),
		attribute.String(tracing.AttrPlanner, d.planner.Name()),
	)
	defer func() { span.End(err) }()

	plan, err := d.Plan(ctx, req)
	if err != nil {
		d.logger.WarnContext(ctx, "planning failed", "workflow", req.ID, "error", err)
		return nil, err
	}
	if len(plan) == 0 {
		return nil, types.NewDecompositionError("plan", types.ErrEmptyPlan)
	}

	for _, st := range plan {
		if !req.Config.Permits(st.Capability) {
			return nil, types.NewDecompositionError("validate", fmt.Errorf("%w: %s", types.ErrCapabilityNotPermitted, st.Capability))
		}
		if !d.catalog.Has(st.Capability) {
			return nil, types.NewDecompositionError("validate", &types.CapabilityNotFoundError{Capability: st.Capability})
		}
	}

	opts := []graph.Option{graph.WithName("workflow")}
	if req.ID != "" {
		opts = append(opts, graph.WithID(req.ID))
	}
	g = graph.New(opts...)

	artifacts := artifactIDs(req.Artifacts)
	for i, st := range plan {
		id := st.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", st.Capability, i+1)
		}
		input := types.Payload{
			InputGoalKey:        req.Goal,
			InputDescriptionKey: st.Description,
			InputArtifactsKey:   artifacts,
		}
		maps.Copy(input, st.Input)

		if err := g.AddNode(graph.Node{
			ID:          id,
			Capability:  st.Capability,
			Description: st.Description,
			Input:       input,
			DependsOn:   st.DependsOn,
			Timeout:     st.Timeout,
			MaxAttempts: st.MaxAttempts,
		}); err != nil {
			return nil, types.NewDecompositionError("build", err)
		}
	}
	if err := g.Seal(); err != nil {
		return nil, types.NewDecompositionError("seal", err)
	}

	span.SetAttributes(attribute.Int(tracing.AttrNodeCount, g.Len()))
	d.logger.DebugContext(ctx, "graph built", "workflow", g.ID(), "nodes", g.Len())
	return g, nil
}

// available lists registered tags the request permits. The result is never
// nil, so planners can tell "nothing usable" from "unrestricted".
func (d *Decomposer) available(cfg types.RequestConfig) []string {
	out := []string{}
	for _, tag := range d.catalog.Tags() {
		if cfg.Permits(tag) {
			out = append(out, tag)
		}
	}
	return out
}
