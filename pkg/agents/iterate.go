package agents

import (
	"context"
	"maps"

	"github.com/avi3tal/coordinator/pkg/types"
)

// StepFunc runs one iteration. state is the output of the previous
// iteration, nil on the first. Returning done ends the loop early.
type StepFunc func(ctx context.Context, inv types.Invocation, iteration int, state types.Payload) (next types.Payload, done bool, err error)

// Iterative is a worker that refines its output over several iterations
// inside a single invocation. The loop is bounded by the invocation's
// MaxIterations and the count is reported under types.IterationsKey.
type Iterative struct {
	spec types.CapabilitySpec
	step StepFunc
}

// Iterate wraps step as a bounded self-iterating worker.
func Iterate(spec types.CapabilitySpec, step StepFunc) *Iterative {
	return &Iterative{spec: spec, step: step}
}

func (it *Iterative) Spec() types.CapabilitySpec {
	return it.spec
}

func (it *Iterative) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	limit := max(inv.MaxIterations, 1)

	var (
		state types.Payload
		n     int
	)
	for n < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n++
		next, done, err := it.step(ctx, inv, n, state)
		if err != nil {
			return nil, err
		}
		state = next
		if done {
			break
		}
	}

	out := maps.Clone(state)
	if out == nil {
		out = types.Payload{}
	}
	out[types.IterationsKey] = n
	return out, nil
}
