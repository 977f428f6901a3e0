package types

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ArtifactRef points at an input artifact by identifier. Content is never
// carried through the orchestration core.
type ArtifactRef struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind,omitempty"`
	URI  string `yaml:"uri" json:"uri,omitempty"`
}

// Subtask is one unit of a structured request. DependsOn lists the subtasks
// whose outputs this subtask's input is derived from.
type Subtask struct {
	ID          string        `yaml:"id" json:"id"`
	Capability  string        `yaml:"capability" json:"capability"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Input       Payload       `yaml:"input" json:"input,omitempty"`
	DependsOn   []string      `yaml:"depends_on" json:"depends_on,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts,omitempty"`
}

// WorkflowRequest is the user intent submitted to the coordinator.
type WorkflowRequest struct {
	ID        string        `yaml:"id" json:"id"`
	Goal      string        `yaml:"goal" json:"goal"`
	Subtasks  []Subtask     `yaml:"subtasks" json:"subtasks,omitempty"`
	Artifacts []ArtifactRef `yaml:"artifacts" json:"artifacts,omitempty"`
	Config    RequestConfig `yaml:"config" json:"config"`
}

// NewRequest creates a free-text request with a generated ID.
func NewRequest(goal string, artifacts ...ArtifactRef) WorkflowRequest {
	return WorkflowRequest{
		ID:        uuid.New().String(),
		Goal:      goal,
		Artifacts: artifacts,
	}
}

// Structured reports whether the request enumerates its own subtasks.
func (r WorkflowRequest) Structured() bool {
	return len(r.Subtasks) > 0
}

// Clone returns a deep copy so the submitted request cannot be mutated later.
func (r WorkflowRequest) Clone() WorkflowRequest {
	out := r
	out.Artifacts = slices.Clone(r.Artifacts)
	out.Config = r.Config.Clone()
	if r.Subtasks != nil {
		out.Subtasks = make([]Subtask, len(r.Subtasks))
		for i, st := range r.Subtasks {
			st.Input = maps.Clone(st.Input)
			st.DependsOn = slices.Clone(st.DependsOn)
			out.Subtasks[i] = st
		}
	}
	return out
}
