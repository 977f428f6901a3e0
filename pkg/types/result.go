package types

import "time"

// ExecutionResult is the outcome of the terminal attempt of one node.
type ExecutionResult struct {
	NodeID     string       `json:"node_id"`
	Capability string       `json:"capability"`
	Worker     string       `json:"worker,omitempty"`
	Status     NodeStatus   `json:"status"`
	Output     Payload      `json:"output,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Attempt    int          `json:"attempt"`
	Iterations int          `json:"iterations,omitempty"`
}

// Duration is the wall time of the terminal attempt.
func (r ExecutionResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Section is one succeeded node's contribution to the merged artifact.
type Section struct {
	NodeID     string  `json:"node_id"`
	Capability string  `json:"capability"`
	Output     Payload `json:"output"`
}

// Artifact is the merged output of a workflow.
type Artifact struct {
	Sections []Section `json:"sections"`
}

// Section returns the contribution of the given node, if it succeeded.
func (a Artifact) Section(nodeID string) (Section, bool) {
	for _, s := range a.Sections {
		if s.NodeID == nodeID {
			return s, true
		}
	}
	return Section{}, false
}

// FailureDetail explains one node that did not succeed. Chain lists the
// dependency path from the node to the failure that caused a skip; the last
// element is the originating node.
type FailureDetail struct {
	NodeID     string     `json:"node_id"`
	Capability string     `json:"capability"`
	Status     NodeStatus `json:"status"`
	Kind       ErrorKind  `json:"kind"`
	Message    string     `json:"message"`
	Attempts   int        `json:"attempts"`
	Origin     string     `json:"origin,omitempty"`
	Chain      []string   `json:"chain,omitempty"`
}

// WorkflowResult is the aggregate outcome handed to the presentation layer.
type WorkflowResult struct {
	WorkflowID string             `json:"workflow_id"`
	Status     WorkflowStatus     `json:"status"`
	Results    []ExecutionResult  `json:"results"`
	Output     Artifact           `json:"output"`
	Failures   []FailureDetail    `json:"failures,omitempty"`
	Counts     map[NodeStatus]int `json:"counts"`
	Error      *ErrorDetail       `json:"error,omitempty"` // Set when the workflow aborted before dispatch
}

// Result returns the execution result of the given node.
func (w WorkflowResult) Result(nodeID string) (ExecutionResult, bool) {
	for _, r := range w.Results {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return ExecutionResult{}, false
}

// Failure returns the failure detail of the given node.
func (w WorkflowResult) Failure(nodeID string) (FailureDetail, bool) {
	for _, f := range w.Failures {
		if f.NodeID == nodeID {
			return f, true
		}
	}
	return FailureDetail{}, false
}
