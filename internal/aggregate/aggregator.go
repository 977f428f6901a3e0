// Package aggregate folds a finished task graph into a WorkflowResult.
package aggregate

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/internal/tracing"
	"github.com/avi3tal/coordinator/pkg/types"
)

// Aggregator merges node results. It holds no per-workflow state and is
// safe for concurrent use.
type Aggregator struct {
	recorder *tracing.Recorder
	logger   *slog.Logger
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithRecorder sets the span recorder
func WithRecorder(r *tracing.Recorder) Option {
	return func(a *Aggregator) {
		a.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		recorder: tracing.Noop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "aggregator")
	return a
}

// Merge builds the workflow result from g. Results and sections follow the
// topological order of the graph, ties broken by insertion order, so the
// same graph always merges to the same result. Nodes still open are
// reported as failures; Merge itself never fails.
func (a *Aggregator) Merge(ctx context.Context, g *graph.TaskGraph) types.WorkflowResult {
	_, span := a.recorder.Span(ctx, tracing.SpanWorkflowAggregate, tracing.WorkflowID(g.ID()))

	order, err := g.TopologicalOrder()
	if err != nil {
		// Unsealed graphs have no order; fall back to insertion order
		order = g.IDs()
	}

	nodes := make(map[string]graph.Node, len(order))
	for _, n := range g.Nodes() {
		nodes[n.ID] = n
	}

	out := types.WorkflowResult{
		WorkflowID: g.ID(),
		Results:    make([]types.ExecutionResult, 0, len(order)),
		Counts:     make(map[types.NodeStatus]int),
	}
	statuses := make([]types.NodeStatus, 0, len(order))

	for _, id := range order {
		n := nodes[id]
		res := resultOf(n)
		out.Results = append(out.Results, res)
		out.Counts[n.Status]++
		statuses = append(statuses, n.Status)

		if n.Status == types.StatusSucceeded {
			out.Output.Sections = append(out.Output.Sections, types.Section{
				NodeID:     n.ID,
				Capability: n.Capability,
				Output:     res.Output,
			})
			continue
		}
		out.Failures = append(out.Failures, failureOf(n, nodes))
	}

	out.Status = types.DeriveWorkflowStatus(statuses)
	span.SetAttributes(
		attribute.String(tracing.AttrWorkflowStatus, string(out.Status)),
		attribute.Int(tracing.AttrNodeCount, len(order)),
	)
	span.End(nil)

	a.logger.DebugContext(ctx, "results merged",
		"workflow", out.WorkflowID,
		"status", out.Status,
		"succeeded", out.Counts[types.StatusSucceeded],
		"failed", len(out.Failures),
	)
	return out
}

// Failed is the result of a workflow that aborted before any node ran.
func Failed(workflowID string, err error) types.WorkflowResult {
	return types.WorkflowResult{
		WorkflowID: workflowID,
		Status:     types.WorkflowFailed,
		Results:    []types.ExecutionResult{},
		Counts:     map[types.NodeStatus]int{},
		Error:      types.NewErrorDetail(err),
	}
}

func resultOf(n graph.Node) types.ExecutionResult {
	if n.Result != nil {
		return *n.Result
	}
	return types.ExecutionResult{
		NodeID:     n.ID,
		Capability: n.Capability,
		Status:     n.Status,
		Error:      types.NewErrorDetail(n.LastError),
		Attempt:    n.Attempts,
	}
}

func failureOf(n graph.Node, nodes map[string]graph.Node) types.FailureDetail {
	fd := types.FailureDetail{
		NodeID:     n.ID,
		Capability: n.Capability,
		Status:     n.Status,
		Attempts:   n.Attempts,
		Origin:     n.ID,
	}
	if d := types.NewErrorDetail(n.LastError); d != nil {
		fd.Kind = d.Kind
		fd.Message = d.Message
	}
	if n.Status != types.StatusSkipped || n.SkippedBy == "" {
		return fd
	}

	// Follow the skip chain to the node that actually failed
	chain := []string{n.ID}
	for cur := n; cur.SkippedBy != ""; {
		next, ok := nodes[cur.SkippedBy]
		if !ok || slices.Contains(chain, next.ID) {
			break
		}
		chain = append(chain, next.ID)
		cur = next
	}
	fd.Chain = chain
	fd.Origin = chain[len(chain)-1]
	return fd
}
