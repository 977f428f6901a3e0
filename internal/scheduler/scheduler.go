// Package scheduler executes sealed task graphs. A single coordinating loop
// owns every node status change; worker invocations run on their own
// goroutines and report back over a completion channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/internal/pubsub"
	"github.com/avi3tal/coordinator/internal/registry"
	"github.com/avi3tal/coordinator/internal/tracing"
	"github.com/avi3tal/coordinator/pkg/types"
)

// capacityPoll is how often a run with queued nodes rechecks saturated workers.
const capacityPoll = 5 * time.Millisecond

// Scheduler runs task graphs against a frozen registry.
type Scheduler struct {
	registry *registry.Registry
	cfg      config.Scheduler
	broker   *pubsub.Broker[Event]
	recorder *tracing.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the span recorder
func WithRecorder(r *tracing.Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithBroker publishes transitions on an existing broker instead of a
// scheduler-owned one.
func WithBroker(b *pubsub.Broker[Event]) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.broker = b
		}
	}
}

// New creates a scheduler. cfg is copied; later changes do not apply.
func New(reg *registry.Registry, cfg config.Scheduler, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: reg,
		cfg:      cfg,
		recorder: tracing.Noop(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = pubsub.NewBroker[Event](0)
	}
	s.cfg.MaxConcurrency = max(s.cfg.MaxConcurrency, 1)
	s.cfg.MaxAttempts = max(s.cfg.MaxAttempts, 1)
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Subscribe streams node transitions of every run as they happen. A slow
// subscriber misses events rather than stalling execution; the complete
// log is always available on the Report.
func (s *Scheduler) Subscribe(ctx context.Context) <-chan pubsub.Message[Event] {
	return s.broker.Subscribe(ctx)
}

// Close ends all subscriptions.
func (s *Scheduler) Close() {
	s.broker.Close()
}

// RunOptions carries per-run overrides. Zero values use the scheduler config.
type RunOptions struct {
	WorkflowID    string
	Timeout       time.Duration // Workflow deadline
	NodeTimeout   time.Duration // Takes precedence over node-level timeouts
	MaxAttempts   int           // Takes precedence over node-level attempt limits
	MaxIterations int
	Artifacts     []types.ArtifactRef
}

// Run executes g to completion, until the workflow deadline, or until ctx
// is cancelled. Node failures are recorded in the report and never returned
// as errors; an error means the graph could not be executed at all.
func (s *Scheduler) Run(ctx context.Context, g *graph.TaskGraph, opts RunOptions) (*Report, error) {
	exec, err := g.Begin()
	if err != nil {
		return nil, err
	}

	if opts.WorkflowID == "" {
		opts.WorkflowID = g.ID()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.WorkflowTimeout
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = s.cfg.MaxIterations
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, span := s.recorder.Span(runCtx, tracing.SpanWorkflowRun, tracing.WorkflowID(opts.WorkflowID))

	r := &run{
		s:           s,
		exec:        exec,
		g:           g,
		ctx:         runCtx,
		opts:        opts,
		completions: make(chan completion, g.Len()),
		retries:     make(chan string, g.Len()),
		wake:        make(chan struct{}, 1),
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
		timers:      make(map[string]*time.Timer),
		spans:       make(map[string]*tracing.Span),
		report:      &Report{WorkflowID: opts.WorkflowID, StartedAt: s.now()},
	}

	s.broker.Publish(pubsub.TopicWorkflowStarted, Event{WorkflowID: opts.WorkflowID, At: r.report.StartedAt})
	s.logger.InfoContext(runCtx, "workflow started", "workflow", opts.WorkflowID, "nodes", g.Len())

	r.loop()

	r.report.EndedAt = s.now()
	s.broker.Publish(pubsub.TopicWorkflowFinished, Event{WorkflowID: opts.WorkflowID, At: r.report.EndedAt})
	s.logger.InfoContext(runCtx, "workflow finished",
		"workflow", opts.WorkflowID,
		"duration", r.report.EndedAt.Sub(r.report.StartedAt),
		"stopped", r.report.Stopped != nil,
	)
	span.End(r.report.Stopped)
	return r.report, nil
}

// completion is what an invocation goroutine hands back to the loop.
type completion struct {
	nodeID  string
	attempt int
	worker  string
	output  types.Payload
	err     error
	started time.Time
	ended   time.Time
}

// run is the state of one Run call. Only the loop goroutine touches it,
// except for the channels.
type run struct {
	s    *Scheduler
	exec *graph.Execution
	g    *graph.TaskGraph
	ctx  context.Context
	opts RunOptions

	completions chan completion
	retries     chan string
	wake        chan struct{}

	ready    []string
	running  int
	backoffs map[string]*backoff.ExponentialBackOff
	timers   map[string]*time.Timer
	spans    map[string]*tracing.Span // node.invoke spans of attempts in flight
	report   *Report
}

func (r *run) loop() {
	for _, n := range r.g.Nodes() {
		if len(n.DependsOn) == 0 {
			r.markReady(n.ID)
		}
	}

	for {
		if len(r.exec.Open()) == 0 {
			return
		}
		if r.ctx.Err() != nil {
			r.stop()
			return
		}
		r.dispatch()
		if len(r.exec.Open()) == 0 {
			return
		}

		// Slots may be freed by other workflows sharing the registry
		var poll <-chan time.Time
		if len(r.ready) > 0 && r.running < r.s.cfg.MaxConcurrency {
			poll = time.After(capacityPoll)
		}

		select {
		case c := <-r.completions:
			r.complete(c)
		case id := <-r.retries:
			delete(r.timers, id)
			r.markReady(id)
		case <-r.wake:
		case <-poll:
		case <-r.ctx.Done():
			r.stop()
			return
		}
	}
}

// markReady moves a node to Ready and queues it by insertion index.
func (r *run) markReady(id string) {
	if !r.transition(id, types.StatusReady, nil) {
		return
	}
	n, _ := r.g.Node(id)
	pos, _ := slices.BinarySearchFunc(r.ready, n.Index(), func(queued string, idx int) int {
		q, _ := r.g.Node(queued)
		return q.Index() - idx
	})
	r.ready = slices.Insert(r.ready, pos, id)
}

// dispatch starts ready nodes in insertion order while the global bound
// allows. A node whose capability is saturated waits without blocking
// nodes of other capabilities behind it.
func (r *run) dispatch() {
	for i := 0; i < len(r.ready) && r.running < r.s.cfg.MaxConcurrency; {
		id := r.ready[i]
		n, _ := r.g.Node(id)

		lease, err := r.s.registry.TryAcquire(n.Capability)
		switch {
		case errors.Is(err, registry.ErrNoCapacity):
			i++
			continue
		case err != nil:
			r.ready = slices.Delete(r.ready, i, i+1)
			r.failTerminal(n, 0, "", err, time.Time{})
			continue
		}

		r.ready = slices.Delete(r.ready, i, i+1)
		r.start(n, lease)
	}
}

func (r *run) start(n graph.Node, lease *registry.Lease) {
	attempt, err := r.exec.Start(n.ID)
	if err != nil {
		lease.Release()
		r.s.logger.Error("start rejected", "node", n.ID, "error", err)
		return
	}
	r.running++
	worker := lease.Worker().Name()
	r.emit(n, types.StatusReady, types.StatusRunning, attempt, worker, nil)

	timeout := r.nodeTimeout(n)
	inv := types.Invocation{
		WorkflowID:    r.opts.WorkflowID,
		NodeID:        n.ID,
		Capability:    n.Capability,
		Input:         n.Input,
		Upstream:      r.exec.Outputs(n.ID),
		Artifacts:     r.opts.Artifacts,
		Attempt:       attempt,
		MaxIterations: r.opts.MaxIterations,
	}

	spanCtx, span := r.s.recorder.Span(r.ctx, tracing.SpanNodeInvoke,
		tracing.WorkflowID(r.opts.WorkflowID),
		tracing.NodeID(n.ID),
		tracing.Capability(n.Capability),
		tracing.Attempt(attempt),
		tracing.Worker(worker),
		tracing.InputHash(n.Input),
	)

	r.spans[n.ID] = span

	go func() {
		c := r.invoke(spanCtx, lease, inv, timeout)
		c.worker = worker
		r.completions <- c
	}()
}

// endSpan closes the node.invoke span of a finished attempt.
func (r *run) endSpan(c completion) {
	span, ok := r.spans[c.nodeID]
	if !ok {
		return
	}
	delete(r.spans, c.nodeID)
	if c.err != nil {
		span.SetAttributes(tracing.Status(types.StatusFailed))
	} else {
		span.SetAttributes(tracing.Status(types.StatusSucceeded), tracing.OutputHash(c.output))
	}
	span.End(c.err)
}

// invoke runs one attempt. It returns as soon as the attempt's context is
// done even when the worker ignores cancellation; the lease is released
// when the worker actually returns.
func (r *run) invoke(ctx context.Context, lease *registry.Lease, inv types.Invocation, timeout time.Duration) completion {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out types.Payload
		err error
	}
	done := make(chan outcome, 1)
	started := r.s.now()

	go func() {
		out, err := lease.Invoke(attemptCtx, inv)
		lease.Release()
		done <- outcome{out: out, err: err}
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = outcome{err: attemptCtx.Err()}
	}

	if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil {
		res.err = types.Transient(fmt.Errorf("%w: node %s exceeded %s", types.ErrInvocationTimeout, inv.NodeID, timeout))
	}
	return completion{
		nodeID:  inv.NodeID,
		attempt: inv.Attempt,
		output:  res.out,
		err:     res.err,
		started: started,
		ended:   r.s.now(),
	}
}

func (r *run) complete(c completion) {
	r.running--
	n, _ := r.g.Node(c.nodeID)

	if c.err != nil && r.ctx.Err() != nil {
		// The workflow is stopping; stop() records the node as skipped.
		return
	}
	r.endSpan(c)

	if c.err == nil {
		result := types.ExecutionResult{
			NodeID:     n.ID,
			Capability: n.Capability,
			Worker:     c.worker,
			Status:     types.StatusSucceeded,
			Output:     c.output,
			StartedAt:  c.started,
			EndedAt:    c.ended,
			Attempt:    c.attempt,
			Iterations: iterations(c.output),
		}
		if _, err := r.exec.Complete(n.ID, result); err != nil {
			r.s.logger.Error("completion rejected", "node", n.ID, "error", err)
			return
		}
		r.report.Results = append(r.report.Results, result)
		r.emit(n, types.StatusRunning, types.StatusSucceeded, c.attempt, c.worker, nil)

		for _, dep := range r.g.Dependents(n.ID) {
			if r.exec.Satisfied(dep) {
				r.markReady(dep)
			}
		}
		return
	}

	if types.IsTransient(c.err) && c.attempt < r.maxAttempts(n) {
		if _, err := r.exec.Fail(n.ID, types.StatusFailed, c.err); err != nil {
			r.s.logger.Error("failure rejected", "node", n.ID, "error", err)
			return
		}
		r.emit(n, types.StatusRunning, types.StatusFailed, c.attempt, c.worker, c.err)
		r.scheduleRetry(n.ID)
		return
	}

	r.failTerminal(n, c.attempt, c.worker, c.err, c.started)
}

func (r *run) scheduleRetry(id string) {
	b, ok := r.backoffs[id]
	if !ok {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     r.s.cfg.BackoffBase,
			RandomizationFactor: r.s.cfg.BackoffJitter,
			Multiplier:          2,
			MaxInterval:         max(r.s.cfg.BackoffMax, r.s.cfg.BackoffBase),
		}
		b.Reset()
		r.backoffs[id] = b
	}
	delay := b.NextBackOff()
	if delay < 0 {
		delay = 0
	}
	r.s.logger.Debug("retry scheduled", "node", id, "delay", delay)
	r.timers[id] = time.AfterFunc(delay, func() {
		r.retries <- id
	})
}

// failTerminal ends a node and skips everything downstream of it.
func (r *run) failTerminal(n graph.Node, attempt int, worker string, cause error, started time.Time) {
	status, _ := r.exec.Status(n.ID)
	if _, err := r.exec.Fail(n.ID, types.StatusFailedTerminal, cause); err != nil {
		r.s.logger.Error("terminal failure rejected", "node", n.ID, "error", err)
		return
	}
	if started.IsZero() {
		started = r.s.now()
	}
	r.record(types.ExecutionResult{
		NodeID:     n.ID,
		Capability: n.Capability,
		Worker:     worker,
		Status:     types.StatusFailedTerminal,
		Error:      types.NewErrorDetail(cause),
		StartedAt:  started,
		EndedAt:    r.s.now(),
		Attempt:    attempt,
	})
	r.emit(n, status, types.StatusFailedTerminal, attempt, worker, cause)
	r.s.logger.Warn("node failed", "workflow", r.opts.WorkflowID, "node", n.ID, "attempts", attempt, "error", cause)
	r.skipDownstream(n.ID)
}

// skipDownstream skips every transitive dependent of a failed node. Each
// skipped node names the dependency it was skipped by.
func (r *run) skipDownstream(failed string) {
	queue := []string{failed}
	for len(queue) > 0 {
		by := queue[0]
		queue = queue[1:]
		for _, id := range r.g.Dependents(by) {
			n, _ := r.g.Node(id)
			if n.Terminal() {
				continue
			}
			cause := &types.UpstreamFailedError{Dependency: by}
			if r.skip(n, by, cause) {
				queue = append(queue, id)
			}
		}
	}
}

// stop ends the run at the deadline or on cancellation: pending retries
// are dropped and every open node is skipped.
func (r *run) stop() {
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	cause := &types.WorkflowTimeoutError{Timeout: r.opts.Timeout, Err: r.ctx.Err()}
	r.report.Stopped = cause
	// Attempts still in flight end with the run, whenever their workers return.
	for id, span := range r.spans {
		span.SetAttributes(tracing.Status(types.StatusSkipped))
		span.End(cause)
		delete(r.spans, id)
	}
	for _, id := range r.exec.Open() {
		n, _ := r.g.Node(id)
		r.skip(n, "", cause)
	}
	r.ready = nil
}

func (r *run) skip(n graph.Node, by string, cause error) bool {
	from, err := r.exec.Skip(n.ID, by, cause)
	if err != nil {
		r.s.logger.Error("skip rejected", "node", n.ID, "error", err)
		return false
	}
	now := r.s.now()
	r.record(types.ExecutionResult{
		NodeID:     n.ID,
		Capability: n.Capability,
		Status:     types.StatusSkipped,
		Error:      types.NewErrorDetail(cause),
		StartedAt:  now,
		EndedAt:    now,
		Attempt:    n.Attempts,
	})
	r.emit(n, from, types.StatusSkipped, n.Attempts, "", cause)
	return true
}

func (r *run) record(res types.ExecutionResult) {
	if err := r.exec.Attach(res.NodeID, res); err != nil {
		r.s.logger.Error("result rejected", "node", res.NodeID, "error", err)
	}
	r.report.Results = append(r.report.Results, res)
}

func (r *run) transition(id string, to types.NodeStatus, cause error) bool {
	n, _ := r.g.Node(id)
	from, err := r.exec.Transition(id, to)
	if err != nil {
		r.s.logger.Error("transition rejected", "node", id, "error", err)
		return false
	}
	r.emit(n, from, to, n.Attempts, "", cause)
	return true
}

func (r *run) emit(n graph.Node, from, to types.NodeStatus, attempt int, worker string, cause error) {
	ev := Event{
		WorkflowID: r.opts.WorkflowID,
		NodeID:     n.ID,
		Capability: n.Capability,
		From:       from,
		To:         to,
		Attempt:    attempt,
		Worker:     worker,
		Error:      types.NewErrorDetail(cause),
		At:         r.s.now(),
		Seq:        len(r.report.Transitions),
	}
	r.report.Transitions = append(r.report.Transitions, ev)
	r.s.broker.Publish(pubsub.TopicNodeTransition, ev)
	r.s.logger.Debug("node transition", "workflow", ev.WorkflowID, "node", ev.NodeID, "from", from, "to", to, "attempt", attempt)
}

func (r *run) nodeTimeout(n graph.Node) time.Duration {
	switch {
	case r.opts.NodeTimeout > 0:
		return r.opts.NodeTimeout
	case n.Timeout > 0:
		return n.Timeout
	default:
		return r.s.cfg.NodeTimeout
	}
}

func (r *run) maxAttempts(n graph.Node) int {
	switch {
	case r.opts.MaxAttempts > 0:
		return r.opts.MaxAttempts
	case n.MaxAttempts > 0:
		return n.MaxAttempts
	default:
		return r.s.cfg.MaxAttempts
	}
}

func iterations(out types.Payload) int {
	switch v := out[types.IterationsKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
