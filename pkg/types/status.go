package types

// NodeStatus represents the execution state of a single task node
type NodeStatus string

const (
	StatusPending        NodeStatus = "pending" // Waiting on dependencies
	StatusReady          NodeStatus = "ready"   // All dependencies succeeded
	StatusRunning        NodeStatus = "running"
	StatusSucceeded      NodeStatus = "succeeded"
	StatusFailed         NodeStatus = "failed" // Attempt failed, retry scheduled
	StatusFailedTerminal NodeStatus = "failed_terminal"
	StatusSkipped        NodeStatus = "skipped" // Unreachable after an upstream failure or deadline
)

// Terminal reports whether no further transition can leave this status.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedTerminal, StatusSkipped:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the overall outcome of one workflow run
type WorkflowStatus string

const (
	WorkflowSucceeded          WorkflowStatus = "succeeded"
	WorkflowPartiallySucceeded WorkflowStatus = "partially_succeeded"
	WorkflowFailed             WorkflowStatus = "failed"
)

// DeriveWorkflowStatus folds node statuses into the overall workflow status.
// An empty set of statuses is a failure.
func DeriveWorkflowStatus(statuses []NodeStatus) WorkflowStatus {
	var succeeded, other int
	for _, s := range statuses {
		if s == StatusSucceeded {
			succeeded++
		} else {
			other++
		}
	}
	switch {
	case succeeded > 0 && other == 0:
		return WorkflowSucceeded
	case succeeded > 0:
		return WorkflowPartiallySucceeded
	default:
		return WorkflowFailed
	}
}
