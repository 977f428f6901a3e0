package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/internal/registry"
	"github.com/avi3tal/coordinator/internal/tracing"
	"github.com/avi3tal/coordinator/pkg/types"
)

type funcCapability struct {
	spec types.CapabilitySpec
	fn   func(ctx context.Context, inv types.Invocation) (types.Payload, error)
}

func (f *funcCapability) Spec() types.CapabilitySpec { return f.spec }

func (f *funcCapability) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	return f.fn(ctx, inv)
}

func capability(tag string, limit int, fn func(context.Context, types.Invocation) (types.Payload, error)) *funcCapability {
	return &funcCapability{spec: types.CapabilitySpec{Tag: tag, Name: tag + "-worker", MaxConcurrency: limit}, fn: fn}
}

func echo(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	return types.Payload{"node": inv.NodeID}, nil
}

// blockUntilDone honours cancellation and never succeeds on its own.
func blockUntilDone(ctx context.Context, _ types.Invocation) (types.Payload, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testConfig() config.Scheduler {
	return config.Scheduler{
		MaxConcurrency: 4,
		NodeTimeout:    2 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		MaxIterations:  5,
	}
}

func newRegistry(t *testing.T, caps ...types.Capability) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, c := range caps {
		require.NoError(t, r.Register(c))
	}
	r.Freeze()
	return r
}

type nodeSpec struct {
	id, capability string
	deps           []string
}

func newGraph(t *testing.T, nodes ...nodeSpec) *graph.TaskGraph {
	t.Helper()
	g := graph.New(graph.WithID("wf-test"))
	for _, n := range nodes {
		require.NoError(t, g.AddNode(graph.Node{ID: n.id, Capability: n.capability, DependsOn: n.deps, Input: types.Payload{"id": n.id}}))
	}
	require.NoError(t, g.Seal())
	return g
}

// checkOrdering fails when a node was dispatched before all its
// dependencies succeeded.
func checkOrdering(g *graph.TaskGraph, report *Report) error {
	succeeded := make(map[string]bool)
	for _, ev := range report.Transitions {
		switch ev.To {
		case types.StatusSucceeded:
			succeeded[ev.NodeID] = true
		case types.StatusRunning:
			n, _ := g.Node(ev.NodeID)
			for _, dep := range n.DependsOn {
				if !succeeded[dep] {
					return fmt.Errorf("%s started before dependency %s succeeded", ev.NodeID, dep)
				}
			}
		}
	}
	return nil
}

// peakRunning replays the transition log and returns the largest number of
// nodes simultaneously in Running.
func peakRunning(report *Report) int {
	current, peak := 0, 0
	for _, ev := range report.Transitions {
		if ev.To == types.StatusRunning {
			current++
		}
		if ev.From == types.StatusRunning {
			current--
		}
		peak = max(peak, current)
	}
	return peak
}

func countTo(report *Report, id string, to types.NodeStatus) int {
	n := 0
	for _, ev := range report.TransitionsOf(id) {
		if ev.To == to {
			n++
		}
	}
	return n
}

func TestRun_AllSucceed(t *testing.T) {
	report := func(_ context.Context, inv types.Invocation) (types.Payload, error) {
		return types.Payload{
			"combined": fmt.Sprintf("%v+%v", inv.Upstream["research"]["node"], inv.Upstream["analysis"]["node"]),
		}, nil
	}
	reg := newRegistry(t,
		capability("research", 1, echo),
		capability("data-analysis", 1, echo),
		capability("report", 1, report),
	)
	g := newGraph(t,
		nodeSpec{"research", "research", nil},
		nodeSpec{"analysis", "data-analysis", nil},
		nodeSpec{"report", "report", []string{"research", "analysis"}},
	)

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, checkOrdering(g, rep))
	require.Nil(t, rep.Stopped)
	require.Len(t, rep.Results, 3)

	res, ok := rep.Result("report")
	require.True(t, ok)
	assert.Equal(t, types.StatusSucceeded, res.Status)
	assert.Equal(t, "research+analysis", res.Output["combined"])
	assert.Equal(t, "report-worker", res.Worker)
	assert.Equal(t, 1, res.Attempt)
	assert.True(t, g.Done())
	assert.Equal(t, "wf-test", rep.WorkflowID)
}

func TestRun_TimeoutExhaustsAttempts(t *testing.T) {
	reg := newRegistry(t,
		capability("research", 1, echo),
		capability("data-analysis", 1, blockUntilDone),
		capability("report", 1, echo),
	)
	g := newGraph(t,
		nodeSpec{"research", "research", nil},
		nodeSpec{"analysis", "data-analysis", nil},
		nodeSpec{"report", "report", []string{"research", "analysis"}},
	)

	cfg := testConfig()
	cfg.NodeTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	analysis, _ := rep.Result("analysis")
	assert.Equal(t, types.StatusFailedTerminal, analysis.Status)
	assert.Equal(t, 2, analysis.Attempt)
	require.NotNil(t, analysis.Error)
	assert.Equal(t, types.KindTransient, analysis.Error.Kind)
	assert.Contains(t, analysis.Error.Message, types.ErrInvocationTimeout.Error())
	assert.Equal(t, 2, countTo(rep, "analysis", types.StatusRunning))
	assert.Equal(t, 1, countTo(rep, "analysis", types.StatusFailed))

	research, _ := rep.Result("research")
	assert.Equal(t, types.StatusSucceeded, research.Status)

	report, _ := rep.Result("report")
	assert.Equal(t, types.StatusSkipped, report.Status)
	assert.Equal(t, types.KindUpstreamFailed, report.Error.Kind)
	n, _ := g.Node("report")
	assert.Equal(t, "analysis", n.SkippedBy)
	assert.Zero(t, countTo(rep, "report", types.StatusRunning))
}

func TestRun_WorkflowDeadline(t *testing.T) {
	reg := newRegistry(t,
		capability("research", 1, echo),
		capability("slow", 2, blockUntilDone),
		capability("report", 1, echo),
	)
	g := newGraph(t,
		nodeSpec{"research", "research", nil},
		nodeSpec{"slow-a", "slow", []string{"research"}},
		nodeSpec{"slow-b", "slow", []string{"research"}},
		nodeSpec{"report", "report", []string{"slow-a", "slow-b"}},
	)

	started := time.Now()
	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{Timeout: 60 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)

	var timeout *types.WorkflowTimeoutError
	require.ErrorAs(t, rep.Stopped, &timeout)

	research, _ := rep.Result("research")
	assert.Equal(t, types.StatusSucceeded, research.Status)
	assert.Equal(t, "research", research.Output["node"])

	for _, id := range []string{"slow-a", "slow-b"} {
		res, ok := rep.Result(id)
		require.True(t, ok, id)
		assert.Equal(t, types.StatusSkipped, res.Status, id)
		assert.Equal(t, types.KindWorkflowTimeout, res.Error.Kind, id)
		assert.Equal(t, 1, countTo(rep, id, types.StatusRunning), id)
		ev := rep.TransitionsOf(id)
		assert.Equal(t, types.StatusRunning, ev[len(ev)-1].From, "%s was running at the deadline", id)
	}

	report, _ := rep.Result("report")
	assert.Equal(t, types.StatusSkipped, report.Status)
	assert.Equal(t, types.KindWorkflowTimeout, report.Error.Kind)
}

func TestRun_Cancellation(t *testing.T) {
	reg := newRegistry(t, capability("slow", 1, blockUntilDone))
	g := newGraph(t, nodeSpec{"a", "slow", nil})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	rep, err := New(reg, testConfig()).Run(ctx, g, RunOptions{})
	require.NoError(t, err)

	res, _ := rep.Result("a")
	assert.Equal(t, types.StatusSkipped, res.Status)
	assert.Equal(t, types.KindCancelled, res.Error.Kind)
	require.ErrorIs(t, rep.Stopped, context.Canceled)
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	fail := func(context.Context, types.Invocation) (types.Payload, error) {
		calls.Add(1)
		return nil, types.Permanent(errors.New("schema rejected"))
	}
	reg := newRegistry(t, capability("analysis", 1, fail), capability("report", 1, echo))
	g := newGraph(t, nodeSpec{"a", "analysis", nil}, nodeSpec{"r", "report", []string{"a"}})

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	res, _ := rep.Result("a")
	assert.Equal(t, types.StatusFailedTerminal, res.Status)
	assert.Equal(t, types.KindPermanent, res.Error.Kind)
	assert.Zero(t, countTo(rep, "a", types.StatusFailed))
}

func TestRun_UnclassifiedErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	fail := func(context.Context, types.Invocation) (types.Payload, error) {
		calls.Add(1)
		return nil, errors.New("surprise")
	}
	reg := newRegistry(t, capability("analysis", 1, fail))
	g := newGraph(t, nodeSpec{"a", "analysis", nil})

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	res, _ := rep.Result("a")
	assert.Equal(t, types.StatusFailedTerminal, res.Status)
}

func TestRun_TransientRecovers(t *testing.T) {
	var calls atomic.Int32
	flaky := func(_ context.Context, inv types.Invocation) (types.Payload, error) {
		if calls.Add(1) < 3 {
			return nil, types.Transient(errors.New("rate limited"))
		}
		return types.Payload{"attempt": inv.Attempt}, nil
	}
	reg := newRegistry(t, capability("research", 1, flaky))
	g := newGraph(t, nodeSpec{"a", "research", nil})

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	res, _ := rep.Result("a")
	assert.Equal(t, types.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, 3, res.Output["attempt"])
	assert.Equal(t, 2, countTo(rep, "a", types.StatusFailed))
	require.Len(t, rep.Results, 1, "retried attempts are not exposed as results")

	n, _ := g.Node("a")
	assert.NoError(t, n.LastError, "success clears the error of the retried attempt")
}

// attemptClock records when each attempt of a worker started.
type attemptClock struct {
	mu     sync.Mutex
	starts []time.Time
}

func (c *attemptClock) invoke(context.Context, types.Invocation) (types.Payload, error) {
	c.mu.Lock()
	c.starts = append(c.starts, time.Now())
	c.mu.Unlock()
	return nil, types.Transient(errors.New("unavailable"))
}

func (c *attemptClock) gaps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.starts))
	for i := 1; i < len(c.starts); i++ {
		out = append(out, c.starts[i].Sub(c.starts[i-1]))
	}
	return out
}

func TestRun_RetryBackoffGrows(t *testing.T) {
	const base = 40 * time.Millisecond

	t.Run("doubles each retry", func(t *testing.T) {
		clock := &attemptClock{}
		reg := newRegistry(t, capability("research", 1, clock.invoke))
		cfg := testConfig()
		cfg.MaxAttempts = 4
		cfg.BackoffBase = base
		cfg.BackoffMax = time.Second
		cfg.BackoffJitter = 0

		rep, err := New(reg, cfg).Run(context.Background(), newGraph(t, nodeSpec{"a", "research", nil}), RunOptions{})
		require.NoError(t, err)
		res, _ := rep.Result("a")
		assert.Equal(t, types.StatusFailedTerminal, res.Status)

		gaps := clock.gaps()
		require.Len(t, gaps, 3)
		for i, gap := range gaps {
			want := base << i
			assert.GreaterOrEqual(t, gap, want, "retry %d waited %s, want at least %s", i+1, gap, want)
			assert.Less(t, gap, cfg.BackoffMax, "retry %d", i+1)
		}
		assert.Greater(t, gaps[2], gaps[0]*2, "delays grow exponentially: %v", gaps)
	})

	t.Run("capped by backoff max", func(t *testing.T) {
		clock := &attemptClock{}
		reg := newRegistry(t, capability("research", 1, clock.invoke))
		cfg := testConfig()
		cfg.MaxAttempts = 5
		cfg.BackoffBase = base
		cfg.BackoffMax = 50 * time.Millisecond
		cfg.BackoffJitter = 0

		_, err := New(reg, cfg).Run(context.Background(), newGraph(t, nodeSpec{"a", "research", nil}), RunOptions{})
		require.NoError(t, err)

		gaps := clock.gaps()
		require.Len(t, gaps, 4)
		var total time.Duration
		for i, gap := range gaps {
			assert.GreaterOrEqual(t, gap, min(base<<i, cfg.BackoffMax), "retry %d", i+1)
			total += gap
		}
		// Uncapped delays would add up to 40+80+160+320ms.
		assert.Less(t, total, 450*time.Millisecond, "gaps %v", gaps)
	})
}

func TestRun_RetryBound(t *testing.T) {
	var calls atomic.Int32
	always := func(context.Context, types.Invocation) (types.Payload, error) {
		calls.Add(1)
		return nil, types.Transient(errors.New("unavailable"))
	}
	reg := newRegistry(t, capability("research", 1, always))

	t.Run("config default", func(t *testing.T) {
		calls.Store(0)
		g := newGraph(t, nodeSpec{"a", "research", nil})
		rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		res, _ := rep.Result("a")
		assert.Equal(t, types.StatusFailedTerminal, res.Status)
		assert.Equal(t, 3, res.Attempt)
	})

	t.Run("node override", func(t *testing.T) {
		calls.Store(0)
		g := graph.New()
		require.NoError(t, g.AddNode(graph.Node{ID: "a", Capability: "research", MaxAttempts: 5}))
		require.NoError(t, g.Seal())
		_, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(5), calls.Load())
	})

	t.Run("request override wins", func(t *testing.T) {
		calls.Store(0)
		g := graph.New()
		require.NoError(t, g.AddNode(graph.Node{ID: "a", Capability: "research", MaxAttempts: 5}))
		require.NoError(t, g.Seal())
		_, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{MaxAttempts: 1})
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

type tracker struct {
	mu      sync.Mutex
	current map[string]int
	peak    map[string]int
	total   int
	peakAll int
}

func newTracker() *tracker {
	return &tracker{current: map[string]int{}, peak: map[string]int{}}
}

func (tr *tracker) wrap(tag string, hold time.Duration) func(context.Context, types.Invocation) (types.Payload, error) {
	return func(ctx context.Context, inv types.Invocation) (types.Payload, error) {
		tr.mu.Lock()
		tr.current[tag]++
		tr.total++
		tr.peak[tag] = max(tr.peak[tag], tr.current[tag])
		tr.peakAll = max(tr.peakAll, tr.total)
		tr.mu.Unlock()

		time.Sleep(hold)

		tr.mu.Lock()
		tr.current[tag]--
		tr.total--
		tr.mu.Unlock()
		return types.Payload{"node": inv.NodeID}, nil
	}
}

func TestRun_ConcurrencyBounds(t *testing.T) {
	tr := newTracker()
	reg := newRegistry(t,
		capability("wide", 10, tr.wrap("wide", 10*time.Millisecond)),
		capability("narrow", 1, tr.wrap("narrow", 10*time.Millisecond)),
	)

	var nodes []nodeSpec
	for i := range 6 {
		nodes = append(nodes, nodeSpec{fmt.Sprintf("w%d", i), "wide", nil})
		nodes = append(nodes, nodeSpec{fmt.Sprintf("n%d", i), "narrow", nil})
	}
	g := newGraph(t, nodes...)

	cfg := testConfig()
	cfg.MaxConcurrency = 3
	rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	assert.LessOrEqual(t, peakRunning(rep), 3)
	assert.LessOrEqual(t, tr.peakAll, 3)
	assert.LessOrEqual(t, tr.peak["narrow"], 1)
	assert.Equal(t, 12, g.Counts()[types.StatusSucceeded])
}

func TestRun_PerCapabilityBoundSumsWorkers(t *testing.T) {
	tr := newTracker()
	fn := tr.wrap("research", 15*time.Millisecond)
	reg := registry.New()
	require.NoError(t, reg.Register(&funcCapability{spec: types.CapabilitySpec{Tag: "research", Name: "a", MaxConcurrency: 1}, fn: fn}))
	require.NoError(t, reg.Register(&funcCapability{spec: types.CapabilitySpec{Tag: "research", Name: "b", MaxConcurrency: 2}, fn: fn}))
	reg.Freeze()

	var nodes []nodeSpec
	for i := range 9 {
		nodes = append(nodes, nodeSpec{fmt.Sprintf("r%d", i), "research", nil})
	}
	g := newGraph(t, nodes...)

	cfg := testConfig()
	cfg.MaxConcurrency = 8
	rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.LessOrEqual(t, tr.peak["research"], 3)
	assert.LessOrEqual(t, peakRunning(rep), 3)

	workers := map[string]bool{}
	for _, res := range rep.Results {
		workers[res.Worker] = true
	}
	assert.True(t, workers["a"] && workers["b"], "both workers served the capability")
}

func TestRun_DispatchOrderIsInsertionOrder(t *testing.T) {
	reg := newRegistry(t, capability("x", 10, echo))
	g := newGraph(t,
		nodeSpec{"charlie", "x", nil},
		nodeSpec{"alpha", "x", nil},
		nodeSpec{"bravo", "x", nil},
		nodeSpec{"delta", "x", []string{"bravo"}},
	)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	var order []string
	for _, ev := range rep.Transitions {
		if ev.To == types.StatusRunning {
			order = append(order, ev.NodeID)
		}
	}
	assert.Equal(t, []string{"charlie", "alpha", "bravo", "delta"}, order)
}

func TestRun_CapabilityNotFoundAtDispatch(t *testing.T) {
	reg := newRegistry(t, capability("research", 1, echo))
	g := newGraph(t,
		nodeSpec{"translate", "translation", nil},
		nodeSpec{"report", "research", []string{"translate"}},
		nodeSpec{"independent", "research", nil},
	)

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	res, _ := rep.Result("translate")
	assert.Equal(t, types.StatusFailedTerminal, res.Status)
	assert.Equal(t, types.KindCapabilityNotFound, res.Error.Kind)
	assert.Zero(t, res.Attempt)

	skipped, _ := rep.Result("report")
	assert.Equal(t, types.StatusSkipped, skipped.Status)
	ok, _ := rep.Result("independent")
	assert.Equal(t, types.StatusSucceeded, ok.Status)
}

func TestRun_SkipPropagatesTransitively(t *testing.T) {
	fail := func(context.Context, types.Invocation) (types.Payload, error) {
		return nil, types.Permanent(errors.New("no"))
	}
	reg := newRegistry(t, capability("bad", 1, fail), capability("x", 4, echo))
	g := newGraph(t,
		nodeSpec{"a", "bad", nil},
		nodeSpec{"b", "x", []string{"a"}},
		nodeSpec{"c", "x", []string{"b"}},
		nodeSpec{"d", "x", nil},
	)

	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	b, _ := g.Node("b")
	c, _ := g.Node("c")
	assert.Equal(t, types.StatusSkipped, b.Status)
	assert.Equal(t, "a", b.SkippedBy)
	assert.Equal(t, types.StatusSkipped, c.Status)
	assert.Equal(t, "b", c.SkippedBy)
	d, _ := rep.Result("d")
	assert.Equal(t, types.StatusSucceeded, d.Status)
}

func TestRun_WorkerIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	stubborn := func(context.Context, types.Invocation) (types.Payload, error) {
		<-release
		return types.Payload{}, nil
	}
	reg := newRegistry(t, capability("stubborn", 1, stubborn))
	g := newGraph(t, nodeSpec{"a", "stubborn", nil})

	cfg := testConfig()
	cfg.MaxAttempts = 1
	started := time.Now()
	rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{NodeTimeout: 20 * time.Millisecond})
	close(release)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)

	res, _ := rep.Result("a")
	assert.Equal(t, types.StatusFailedTerminal, res.Status)
	assert.Equal(t, types.KindTransient, res.Error.Kind)
}

func TestRun_DeadlineEndsInFlightSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	release := make(chan struct{})
	defer close(release)
	stubborn := func(context.Context, types.Invocation) (types.Payload, error) {
		<-release
		return types.Payload{}, nil
	}
	reg := newRegistry(t, capability("stubborn", 1, stubborn))
	g := newGraph(t, nodeSpec{"a", "stubborn", nil})

	s := New(reg, testConfig(), WithRecorder(tracing.NewRecorder(tp.Tracer("test"))))
	rep, err := s.Run(context.Background(), g, RunOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, rep.Stopped)

	// The worker has not returned yet; its span must already be closed.
	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range sr.Ended() {
		spans[span.Name()] = span
	}
	invokeSpan, ok := spans[tracing.SpanNodeInvoke]
	require.True(t, ok, "node span ended with the run")
	runSpan, ok := spans[tracing.SpanWorkflowRun]
	require.True(t, ok)
	assert.False(t, invokeSpan.EndTime().After(runSpan.EndTime()))

	attrs := map[string]any{}
	for _, kv := range invokeSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, string(types.StatusSkipped), attrs[tracing.AttrNodeStatus])
	assert.Equal(t, string(types.KindWorkflowTimeout), attrs[tracing.AttrErrorKind])
	assert.Len(t, sr.Ended(), 2)
}

func TestRun_IterationsAndInvocation(t *testing.T) {
	var got types.Invocation
	fn := func(_ context.Context, inv types.Invocation) (types.Payload, error) {
		got = inv
		return types.Payload{types.IterationsKey: 4}, nil
	}
	reg := newRegistry(t, capability("research", 1, fn))
	g := newGraph(t, nodeSpec{"a", "research", nil})

	artifacts := []types.ArtifactRef{{ID: "sales.csv"}}
	rep, err := New(reg, testConfig()).Run(context.Background(), g, RunOptions{WorkflowID: "wf-9", Artifacts: artifacts})
	require.NoError(t, err)

	res, _ := rep.Result("a")
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, "wf-9", got.WorkflowID)
	assert.Equal(t, 5, got.MaxIterations)
	assert.Equal(t, artifacts, got.Artifacts)
	assert.Equal(t, "a", got.Input["id"])
}

func TestRun_GraphRunsOnce(t *testing.T) {
	reg := newRegistry(t, capability("x", 1, echo))
	g := newGraph(t, nodeSpec{"a", "x", nil})
	s := New(reg, testConfig())

	_, err := s.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), g, RunOptions{})
	require.ErrorIs(t, err, graph.ErrGraphInUse)

	open := graph.New()
	require.NoError(t, open.AddNode(graph.Node{ID: "a", Capability: "x"}))
	_, err = s.Run(context.Background(), open, RunOptions{})
	require.ErrorIs(t, err, graph.ErrNotSealed)
}

func TestScheduler_Subscribe(t *testing.T) {
	reg := newRegistry(t, capability("x", 1, echo))
	g := newGraph(t, nodeSpec{"a", "x", nil}, nodeSpec{"b", "x", []string{"a"}})
	s := New(reg, testConfig())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	rep, err := s.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	var transitions []Event
	timeout := time.After(time.Second)
	for len(transitions) < len(rep.Transitions) {
		select {
		case msg := <-events:
			if msg.Payload.NodeID != "" {
				transitions = append(transitions, msg.Payload)
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for events")
		}
	}
	assert.Equal(t, rep.Transitions, transitions)
	assert.True(t, transitions[len(transitions)-1].Terminal())
}

// TestRun_Invariants is a property-based test over random graphs with random
// worker outcomes: dependents never start before their dependencies
// succeed, the global bound holds, and every node ends with exactly one
// terminal result that explains itself.
func TestRun_Invariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "nodes")
		bound := rapid.IntRange(1, 3).Draw(rt, "bound")
		outcomes := make(map[string]string, n)

		g := graph.New()
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("n%d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("dep-%d-%d", i, j)) == 0 {
					deps = append(deps, fmt.Sprintf("n%d", j))
				}
			}
			outcomes[id] = rapid.SampledFrom([]string{"ok", "ok", "permanent", "flaky"}).Draw(rt, "outcome-"+id)
			if err := g.AddNode(graph.Node{ID: id, Capability: "x", DependsOn: deps}); err != nil {
				rt.Fatalf("add node: %v", err)
			}
		}
		if err := g.Seal(); err != nil {
			rt.Fatalf("seal: %v", err)
		}

		fn := func(_ context.Context, inv types.Invocation) (types.Payload, error) {
			switch outcomes[inv.NodeID] {
			case "permanent":
				return nil, types.Permanent(errors.New("no"))
			case "flaky":
				if inv.Attempt == 1 {
					return nil, types.Transient(errors.New("again"))
				}
			}
			return types.Payload{"node": inv.NodeID}, nil
		}
		reg := registry.New()
		if err := reg.Register(capability("x", 8, fn)); err != nil {
			rt.Fatalf("register: %v", err)
		}
		reg.Freeze()

		cfg := testConfig()
		cfg.MaxConcurrency = bound
		rep, err := New(reg, cfg).Run(context.Background(), g, RunOptions{})
		if err != nil {
			rt.Fatalf("run: %v", err)
		}

		if err := checkOrdering(g, rep); err != nil {
			rt.Fatal(err)
		}
		if peak := peakRunning(rep); peak > bound {
			rt.Fatalf("%d nodes running with bound %d", peak, bound)
		}
		if len(rep.Results) != n {
			rt.Fatalf("%d results for %d nodes", len(rep.Results), n)
		}
		for _, node := range g.Nodes() {
			if !node.Terminal() {
				rt.Fatalf("%s not terminal: %s", node.ID, node.Status)
			}
			if node.Attempts > cfg.MaxAttempts {
				rt.Fatalf("%s attempted %d times", node.ID, node.Attempts)
			}
			if node.Status == types.StatusSkipped {
				dep, ok := g.Node(node.SkippedBy)
				if !ok || dep.Status == types.StatusSucceeded {
					rt.Fatalf("%s skipped by %q which did not fail", node.ID, node.SkippedBy)
				}
			}
			if outcomes[node.ID] == "permanent" && node.Status == types.StatusFailedTerminal && node.Attempts != 1 {
				rt.Fatalf("%s retried a permanent error", node.ID)
			}
		}
	})
}
