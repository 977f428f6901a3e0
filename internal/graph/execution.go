package graph

import (
	"github.com/avi3tal/coordinator/pkg/types"
)

// Execution is the single owner of a graph's runtime state for one run.
// Every status change goes through Transition and is checked against the
// node state machine.
type Execution struct {
	g *TaskGraph
}

// Graph returns the graph this execution owns.
func (e *Execution) Graph() *TaskGraph {
	return e.g
}

// Status returns the current status of a node.
func (e *Execution) Status(id string) (types.NodeStatus, error) {
	e.g.mu.RLock()
	defer e.g.mu.RUnlock()
	n, ok := e.g.nodes[id]
	if !ok {
		return "", NewValidationError("Status", id, ErrNodeNotFound)
	}
	return n.Status, nil
}

// Transition moves a node to a new status. A transition the state machine
// does not allow returns a TransitionError and leaves the node unchanged.
func (e *Execution) Transition(id string, to types.NodeStatus) (types.NodeStatus, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	return e.transition(id, to)
}

func (e *Execution) transition(id string, to types.NodeStatus) (types.NodeStatus, error) {
	n, ok := e.g.nodes[id]
	if !ok {
		return "", NewValidationError("Transition", id, ErrNodeNotFound)
	}
	from := n.Status
	if !allowed(from, to) {
		return from, &TransitionError{Node: id, From: from, To: to}
	}
	n.Status = to
	return from, nil
}

// Start moves a ready node to running and counts the attempt.
func (e *Execution) Start(id string) (int, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	if _, err := e.transition(id, types.StatusRunning); err != nil {
		return 0, err
	}
	n := e.g.nodes[id]
	n.Attempts++
	return n.Attempts, nil
}

// Fail records err on a node and moves it to the given failure status.
func (e *Execution) Fail(id string, to types.NodeStatus, err error) (types.NodeStatus, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	from, terr := e.transition(id, to)
	if terr != nil {
		return from, terr
	}
	e.g.nodes[id].LastError = err
	return from, nil
}

// Complete stores the terminal result of a node and moves it to result.Status.
func (e *Execution) Complete(id string, result types.ExecutionResult) (types.NodeStatus, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	from, err := e.transition(id, result.Status)
	if err != nil {
		return from, err
	}
	n := e.g.nodes[id]
	n.Result = &result
	n.LastError = nil
	return from, nil
}

// Skip marks a node skipped. by names the dependency whose failure caused
// the skip and is empty when the workflow itself stopped.
func (e *Execution) Skip(id, by string, cause error) (types.NodeStatus, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	from, err := e.transition(id, types.StatusSkipped)
	if err != nil {
		return from, err
	}
	n := e.g.nodes[id]
	n.SkippedBy = by
	n.LastError = cause
	return from, nil
}

// Attach stores the result of a node that ended without completing, so
// failed and skipped nodes carry a result like succeeded ones.
func (e *Execution) Attach(id string, result types.ExecutionResult) error {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	n, ok := e.g.nodes[id]
	if !ok {
		return NewValidationError("Attach", id, ErrNodeNotFound)
	}
	if !n.Status.Terminal() {
		return &TransitionError{Node: id, From: n.Status, To: result.Status}
	}
	n.Result = &result
	return nil
}

// Satisfied reports whether every dependency of a node succeeded.
func (e *Execution) Satisfied(id string) bool {
	e.g.mu.RLock()
	defer e.g.mu.RUnlock()
	n, ok := e.g.nodes[id]
	if !ok {
		return false
	}
	for _, dep := range n.DependsOn {
		if e.g.nodes[dep].Status != types.StatusSucceeded {
			return false
		}
	}
	return true
}

// Outputs returns the outputs of a node's dependencies keyed by node ID.
func (e *Execution) Outputs(id string) map[string]types.Payload {
	e.g.mu.RLock()
	defer e.g.mu.RUnlock()
	n, ok := e.g.nodes[id]
	if !ok {
		return nil
	}
	out := make(map[string]types.Payload, len(n.DependsOn))
	for _, dep := range n.DependsOn {
		if r := e.g.nodes[dep].Result; r != nil {
			out[dep] = r.Output
		}
	}
	return out
}

// Open returns the IDs of nodes not yet terminal, in insertion order.
func (e *Execution) Open() []string {
	e.g.mu.RLock()
	defer e.g.mu.RUnlock()
	var out []string
	for _, id := range e.g.order {
		if !e.g.nodes[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
