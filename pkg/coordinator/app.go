// Package coordinator wires the decomposer, registry, scheduler and
// aggregator into a single entry point for running workflow requests.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/coordinator/internal/aggregate"
	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/internal/decompose"
	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/internal/pubsub"
	"github.com/avi3tal/coordinator/internal/registry"
	"github.com/avi3tal/coordinator/internal/scheduler"
	"github.com/avi3tal/coordinator/internal/tracing"
	"github.com/avi3tal/coordinator/pkg/agents"
	"github.com/avi3tal/coordinator/pkg/types"
)

// Listener is polled or awaited for new requests to run.
// For example, it might be reading from a queue, an HTTP endpoint, etc.
type Listener interface {
	// WaitForRequest blocks until a new request is available or ctx is done.
	WaitForRequest(ctx context.Context) (types.WorkflowRequest, error)
}

// Callback is invoked after each execution (success or error).
type Callback interface {
	OnComplete(ctx context.Context, result types.WorkflowResult) error
	OnError(ctx context.Context, result types.WorkflowResult, err error) error
}

// Coordinator runs workflow requests against a fixed set of capabilities.
// It is safe for concurrent use; every Execute call gets its own graph.
type Coordinator struct {
	cfg        config.Config
	registry   *registry.Registry
	decomposer *decompose.Decomposer
	scheduler  *scheduler.Scheduler
	aggregator *aggregate.Aggregator
	provider   *tracing.Provider
	callback   Callback
	logger     *slog.Logger
}

type options struct {
	logger   *slog.Logger
	planner  decompose.Planner
	model    llms.Model
	recorder *tracing.Recorder
	callback Callback
}

// Option is a functional option that configures the Coordinator.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPlanner replaces the planner selected by configuration.
func WithPlanner(p decompose.Planner) Option {
	return func(o *options) {
		o.planner = p
	}
}

// WithModel sets the chat model used by the llm planner instead of one
// built from configuration.
func WithModel(m llms.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// WithRecorder records spans on r instead of a provider built from
// configuration.
func WithRecorder(r *tracing.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

func WithCallback(cb Callback) Option {
	return func(o *options) {
		o.callback = cb
	}
}

// New registers caps, freezes the registry and assembles the pipeline.
func New(cfg config.Config, caps []types.Capability, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	c := &Coordinator{cfg: cfg, callback: o.callback, logger: o.logger}

	c.registry = registry.New(registry.WithLogger(o.logger))
	for _, capability := range caps {
		if err := c.registry.Register(capability); err != nil {
			return nil, errors.Wrapf(err, "register %s", capability.Spec().Tag)
		}
	}
	c.registry.Freeze()

	recorder := o.recorder
	if recorder == nil {
		provider, err := tracing.NewProvider(cfg.Tracing, o.logger)
		if err != nil {
			return nil, errors.Wrap(err, "tracing")
		}
		c.provider = provider
		recorder = provider.Recorder()
	}

	planner := o.planner
	if planner == nil {
		p, err := c.plannerFor(cfg.Decomposer, o)
		if err != nil {
			return nil, err
		}
		planner = p
	}

	c.decomposer = decompose.New(c.registry, planner,
		decompose.WithRecorder(recorder),
		decompose.WithLogger(o.logger),
	)
	c.scheduler = scheduler.New(c.registry, cfg.Scheduler,
		scheduler.WithRecorder(recorder),
		scheduler.WithLogger(o.logger),
	)
	c.aggregator = aggregate.New(
		aggregate.WithRecorder(recorder),
		aggregate.WithLogger(o.logger),
	)
	return c, nil
}

// plannerFor builds the configured planner. Model-backed planners fall back
// to keyword rules when they produce nothing.
func (c *Coordinator) plannerFor(cfg config.Decomposer, o *options) (decompose.Planner, error) {
	keyword := decompose.NewKeywordPlanner()
	switch cfg.Planner {
	case config.PlannerCapability:
		return decompose.NewChainPlanner(
			decompose.NewCapabilityPlanner(c.registry, cfg.PlanningCapability, cfg.PlanTimeout),
			keyword,
		), nil
	case config.PlannerLLM:
		model := o.model
		if model == nil {
			m, err := agents.NewModel(cfg.LLM)
			if err != nil {
				return nil, errors.Wrap(err, "llm planner")
			}
			model = m
		}
		return decompose.NewChainPlanner(agents.NewLLMPlanner(model, cfg.CacheTTL, o.logger), keyword), nil
	default:
		return keyword, nil
	}
}

// Capabilities lists the registered worker specs.
func (c *Coordinator) Capabilities() []types.CapabilitySpec {
	return c.registry.Specs()
}

// Plan decomposes req without running it.
func (c *Coordinator) Plan(ctx context.Context, req types.WorkflowRequest) (*graph.TaskGraph, error) {
	return c.decomposer.Build(ctx, prepare(req))
}

// Subscribe streams node transitions of every workflow this coordinator
// runs until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan pubsub.Message[scheduler.Event] {
	return c.scheduler.Subscribe(ctx)
}

// Execute runs req once. Node failures are reported in the result; the
// error is set only when the workflow could not run at all, in which case
// the result is a well-formed Failed result with no node results. If a
// callback is configured, OnComplete/OnError is called here.
func (c *Coordinator) Execute(ctx context.Context, req types.WorkflowRequest) (types.WorkflowResult, error) {
	req = prepare(req)
	log := c.logger.With("workflow", req.ID)

	g, err := c.decomposer.Build(ctx, req)
	if err != nil {
		return c.fail(ctx, req.ID, errors.Wrap(err, "decompose"))
	}

	report, err := c.scheduler.Run(ctx, g, scheduler.RunOptions{
		WorkflowID:    req.ID,
		Timeout:       req.Config.Timeout,
		NodeTimeout:   req.Config.NodeTimeout,
		MaxAttempts:   req.Config.MaxAttempts,
		MaxIterations: req.Config.MaxIterations,
		Artifacts:     req.Artifacts,
	})
	if err != nil {
		return c.fail(ctx, req.ID, errors.Wrap(err, "schedule"))
	}

	result := c.aggregator.Merge(ctx, g)
	if report.Stopped != nil {
		result.Error = types.NewErrorDetail(report.Stopped)
	}
	log.InfoContext(ctx, "workflow complete",
		"status", result.Status,
		"nodes", len(result.Results),
		"failures", len(result.Failures),
		"duration", report.EndedAt.Sub(report.StartedAt),
	)

	if c.callback != nil {
		if cbErr := c.callback.OnComplete(ctx, result); cbErr != nil {
			return result, fmt.Errorf("execute: callback OnComplete failed: %w", cbErr)
		}
	}
	return result, nil
}

func (c *Coordinator) fail(ctx context.Context, id string, err error) (types.WorkflowResult, error) {
	result := aggregate.Failed(id, err)
	c.logger.WarnContext(ctx, "workflow aborted", "workflow", id, "error", err)
	if c.callback != nil {
		_ = c.callback.OnError(ctx, result, err)
	}
	return result, err
}

// Serve runs in a loop, executing each request the listener yields. It
// blocks until ctx is cancelled. Listener and execution errors are handed
// to the callback and do not stop the loop.
func (c *Coordinator) Serve(ctx context.Context, l Listener) error {
	if l == nil {
		return errors.New("serve called without a listener")
	}
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "serve stopped")
		default:
		}

		req, err := l.WaitForRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "serve stopped")
			}
			if c.callback != nil {
				_ = c.callback.OnError(ctx, aggregate.Failed("", err), err)
			}
			continue
		}
		// OnComplete/OnError is triggered within Execute
		_, _ = c.Execute(ctx, req)
	}
}

// Close ends subscriptions and flushes pending spans.
func (c *Coordinator) Close(ctx context.Context) error {
	c.scheduler.Close()
	if c.provider != nil {
		return c.provider.Shutdown(ctx)
	}
	return nil
}

// prepare copies req so later caller mutations have no effect and assigns
// an ID when missing.
func prepare(req types.WorkflowRequest) types.WorkflowRequest {
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	return req
}
