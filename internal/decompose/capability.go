package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Keys of the planning capability contract.
const (
	PlanGoalKey         = "goal"
	PlanCapabilitiesKey = "capabilities"
	PlanArtifactsKey    = "artifacts"
	PlanSubtasksKey     = "subtasks"
)

// Invoker runs a capability by tag. *registry.Registry satisfies it.
type Invoker interface {
	InvokeTag(ctx context.Context, tag string, inv types.Invocation) (types.Payload, error)
}

// CapabilityPlanner delegates planning to a registered worker. The worker
// receives the goal, the usable capability tags and the artifact IDs, and
// answers with {"subtasks": [...]}.
type CapabilityPlanner struct {
	invoker Invoker
	tag     string
	timeout time.Duration
}

// NewCapabilityPlanner creates a planner that invokes tag. A positive
// timeout bounds the planning call.
func NewCapabilityPlanner(invoker Invoker, tag string, timeout time.Duration) *CapabilityPlanner {
	return &CapabilityPlanner{invoker: invoker, tag: tag, timeout: timeout}
}

func (p *CapabilityPlanner) Name() string {
	return "capability:" + p.tag
}

func (p *CapabilityPlanner) Plan(ctx context.Context, req types.WorkflowRequest, available []string) ([]types.Subtask, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	// The planner never plans itself into the graph
	usable := make([]string, 0, len(available))
	for _, tag := range available {
		if tag != p.tag {
			usable = append(usable, tag)
		}
	}

	out, err := p.invoker.InvokeTag(ctx, p.tag, types.Invocation{
		WorkflowID: req.ID,
		NodeID:     "plan",
		Capability: p.tag,
		Input: types.Payload{
			PlanGoalKey:         req.Goal,
			PlanCapabilitiesKey: usable,
			PlanArtifactsKey:    artifactIDs(req.Artifacts),
		},
		Artifacts:     req.Artifacts,
		Attempt:       1,
		MaxIterations: req.Config.MaxIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", p.tag, err)
	}
	return ParseSubtasks(out)
}

// ParseSubtasks decodes the "subtasks" entry of a planning payload. The
// entry may hold typed subtasks or generic decoded JSON.
func ParseSubtasks(out types.Payload) ([]types.Subtask, error) {
	raw, ok := out[PlanSubtasksKey]
	if !ok {
		return nil, fmt.Errorf("planning output has no %q entry", PlanSubtasksKey)
	}
	if typed, ok := raw.([]types.Subtask); ok {
		return typed, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode subtasks: %w", err)
	}
	var plan []types.Subtask
	if err := json.Unmarshal(b, &plan); err != nil {
		return nil, fmt.Errorf("decode subtasks: %w", err)
	}
	return plan, nil
}

func artifactIDs(refs []types.ArtifactRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}
