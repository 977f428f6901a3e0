package decompose

import (
	"context"
	"errors"
	"fmt"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Planner turns a free-text request into subtasks. available lists the
// capability tags the request may use, in registration order.
type Planner interface {
	Name() string
	Plan(ctx context.Context, req types.WorkflowRequest, available []string) ([]types.Subtask, error)
}

// ChainPlanner asks each planner in turn and returns the first non-empty plan.
type ChainPlanner struct {
	planners []Planner
}

// NewChainPlanner creates a planner that falls through planners in order.
func NewChainPlanner(planners ...Planner) *ChainPlanner {
	return &ChainPlanner{planners: planners}
}

func (c *ChainPlanner) Name() string {
	return "chain"
}

func (c *ChainPlanner) Plan(ctx context.Context, req types.WorkflowRequest, available []string) ([]types.Subtask, error) {
	var errs []error
	for _, p := range c.planners {
		plan, err := p.Plan(ctx, req, available)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s planner: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(plan) > 0 {
			return plan, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, types.ErrEmptyPlan
}
