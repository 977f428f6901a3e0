package scheduler

import (
	"time"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Event records one node status transition.
type Event struct {
	WorkflowID string             `json:"workflow_id"`
	NodeID     string             `json:"node_id"`
	Capability string             `json:"capability"`
	From       types.NodeStatus   `json:"from"`
	To         types.NodeStatus   `json:"to"`
	Attempt    int                `json:"attempt"`
	Worker     string             `json:"worker,omitempty"`
	Error      *types.ErrorDetail `json:"error,omitempty"`
	At         time.Time          `json:"at"`
	Seq        int                `json:"seq"` // Position in the run's transition log
}

// Terminal reports whether the transition ended the node.
func (e Event) Terminal() bool {
	return e.To.Terminal()
}

// Report is everything a run observed: the terminal result of each node in
// completion order and the full transition log.
type Report struct {
	WorkflowID  string
	StartedAt   time.Time
	EndedAt     time.Time
	Results     []types.ExecutionResult
	Transitions []Event
	// Stopped is set when the deadline or a cancellation ended the run early.
	Stopped error
}

// Result returns the terminal result of a node.
func (r *Report) Result(nodeID string) (types.ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.NodeID == nodeID {
			return res, true
		}
	}
	return types.ExecutionResult{}, false
}

// TransitionsOf returns the transitions of one node in order.
func (r *Report) TransitionsOf(nodeID string) []Event {
	var out []Event
	for _, ev := range r.Transitions {
		if ev.NodeID == nodeID {
			out = append(out, ev)
		}
	}
	return out
}
