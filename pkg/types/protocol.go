package types

import "context"

// Payload is an opaque structured value passed to and returned from workers.
// The orchestration core only routes and merges payloads.
type Payload map[string]any

// Schema describes a payload shape. Validation is the worker's responsibility.
type Schema map[string]any

// CapabilitySpec is what a worker declares at registration time.
type CapabilitySpec struct {
	Tag            string // e.g. "data-analysis", "research", "report"
	Name           string // Worker name, unique per tag
	Version        string
	InputSchema    Schema
	OutputSchema   Schema
	MaxConcurrency int // Simultaneous invocations tolerated; values below 1 mean 1
}

// Invocation carries everything a worker receives for one attempt.
type Invocation struct {
	WorkflowID    string
	NodeID        string
	Capability    string
	Input         Payload
	Upstream      map[string]Payload // Outputs of dependency nodes keyed by node ID
	Artifacts     []ArtifactRef
	Attempt       int
	MaxIterations int
}

// Capability is the fixed interface every worker variant implements.
// Invoke is synchronous from the caller's perspective and must honour ctx
// cancellation.
type Capability interface {
	Spec() CapabilitySpec
	Invoke(ctx context.Context, inv Invocation) (Payload, error)
}

// IterationsKey is the output key under which iterative workers report how
// many iterations one attempt used.
const IterationsKey = "iterations"
