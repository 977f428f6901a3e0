package types

import (
	"slices"
	"time"
)

// RequestConfig is the per-request configuration bag. Zero values fall back
// to the coordinator's defaults.
type RequestConfig struct {
	MaxIterations       int           `yaml:"max_iterations" json:"max_iterations,omitempty"`             // Iteration cap handed to each invocation
	Timeout             time.Duration `yaml:"timeout" json:"timeout,omitempty"`                           // Workflow-level deadline
	NodeTimeout         time.Duration `yaml:"node_timeout" json:"node_timeout,omitempty"`                 // Overrides the default per-node timeout
	MaxAttempts         int           `yaml:"max_attempts" json:"max_attempts,omitempty"`                 // Overrides the default retry bound
	AllowedCapabilities []string      `yaml:"allowed_capabilities" json:"allowed_capabilities,omitempty"` // Empty allows every registered capability
}

func (c RequestConfig) Clone() RequestConfig {
	c.AllowedCapabilities = slices.Clone(c.AllowedCapabilities)
	return c
}

// Permits reports whether the capability tag may be used by this request.
func (c RequestConfig) Permits(tag string) bool {
	if len(c.AllowedCapabilities) == 0 {
		return true
	}
	return slices.Contains(c.AllowedCapabilities, tag)
}
