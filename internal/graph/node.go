package graph

import (
	"maps"
	"slices"
	"time"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Node is one unit of work in a task graph. The first block of fields is set
// by the builder; the second is runtime state owned by the execution.
type Node struct {
	ID          string
	Capability  string
	Description string
	Input       types.Payload
	DependsOn   []string
	Timeout     time.Duration // Zero uses the scheduler default
	MaxAttempts int           // Zero uses the scheduler default

	Status    types.NodeStatus
	Attempts  int
	LastError error
	SkippedBy string // Dependency whose failure caused the skip
	Result    *types.ExecutionResult

	index int
}

// Index is the insertion position of the node, used as the dispatch tie-break.
func (n Node) Index() int {
	return n.index
}

// Terminal reports whether the node reached a final status.
func (n Node) Terminal() bool {
	return n.Status.Terminal()
}

func (n *Node) snapshot() Node {
	out := *n
	out.Input = maps.Clone(n.Input)
	out.DependsOn = slices.Clone(n.DependsOn)
	if n.Result != nil {
		r := *n.Result
		out.Result = &r
	}
	return out
}

func (n Node) validate() error {
	if n.ID == "" {
		return NewValidationError("AddNode", "", ErrInvalidNode)
	}
	if n.Capability == "" {
		return NewValidationError("AddNode", n.ID, ErrInvalidNode)
	}
	for _, dep := range n.DependsOn {
		if dep == n.ID {
			return NewValidationError("AddNode", n.ID, &CycleError{Path: []string{n.ID, n.ID}})
		}
	}
	return nil
}

var transitions = map[types.NodeStatus][]types.NodeStatus{
	types.StatusPending: {types.StatusReady, types.StatusSkipped},
	types.StatusReady:   {types.StatusRunning, types.StatusFailedTerminal, types.StatusSkipped},
	types.StatusRunning: {types.StatusSucceeded, types.StatusFailed, types.StatusFailedTerminal, types.StatusSkipped},
	types.StatusFailed:  {types.StatusReady, types.StatusSkipped},
}

func allowed(from, to types.NodeStatus) bool {
	return slices.Contains(transitions[from], to)
}
