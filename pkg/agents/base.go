// Package agents provides capability workers: a function adapter, an HTTP
// remote worker, a bounded self-iteration wrapper and the data analyst,
// researcher and report generator demo workers.
package agents

import (
	"context"

	"github.com/avi3tal/coordinator/pkg/types"
)

// InvokeFunc is the body of an in-process worker.
type InvokeFunc func(ctx context.Context, inv types.Invocation) (types.Payload, error)

// Func is a straightforward in-process function worker.
type Func struct {
	spec types.CapabilitySpec
	fn   InvokeFunc
}

// NewFunc helper to create an inline worker
func NewFunc(spec types.CapabilitySpec, fn InvokeFunc) *Func {
	return &Func{spec: spec, fn: fn}
}

func (f *Func) Spec() types.CapabilitySpec {
	return f.spec
}

func (f *Func) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(ctx, inv)
}

// defaultSpec builds a CapabilitySpec with the given defaults applied.
func defaultSpec(tag, name string, opts []SpecOption) types.CapabilitySpec {
	s := types.CapabilitySpec{Tag: tag, Name: name, Version: "1.0.0", MaxConcurrency: 1}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// SpecOption adjusts the declared spec of a built-in worker.
type SpecOption func(*types.CapabilitySpec)

// WithName overrides the worker name.
func WithName(name string) SpecOption {
	return func(s *types.CapabilitySpec) {
		s.Name = name
	}
}

// WithTag overrides the capability tag.
func WithTag(tag string) SpecOption {
	return func(s *types.CapabilitySpec) {
		s.Tag = tag
	}
}

// WithMaxConcurrency sets how many invocations the worker tolerates at once.
func WithMaxConcurrency(n int) SpecOption {
	return func(s *types.CapabilitySpec) {
		s.MaxConcurrency = n
	}
}
