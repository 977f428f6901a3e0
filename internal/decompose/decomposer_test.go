package decompose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/avi3tal/coordinator/internal/graph"
	"github.com/avi3tal/coordinator/pkg/types"
)

type catalog []string

func (c catalog) Has(tag string) bool { return slices.Contains(c, tag) }
func (c catalog) Tags() []string      { return c }

var demoCatalog = catalog{CapabilityDataAnalysis, CapabilityResearch, CapabilityReport, "planning"}

type invokerFunc func(ctx context.Context, tag string, inv types.Invocation) (types.Payload, error)

func (f invokerFunc) InvokeTag(ctx context.Context, tag string, inv types.Invocation) (types.Payload, error) {
	return f(ctx, tag, inv)
}

type plannerFunc struct {
	name string
	fn   func() ([]types.Subtask, error)
}

func (p plannerFunc) Name() string { return p.name }
func (p plannerFunc) Plan(context.Context, types.WorkflowRequest, []string) ([]types.Subtask, error) {
	return p.fn()
}

func deps(t *testing.T, g *graph.TaskGraph, id string) []string {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	return n.DependsOn
}

func TestKeywordPlanner(t *testing.T) {
	p := NewKeywordPlanner()

	t.Run("research and report", func(t *testing.T) {
		plan, err := p.Plan(context.Background(), types.NewRequest("Research AI market trends and write a report"), nil)
		require.NoError(t, err)
		require.Len(t, plan, 2)
		assert.Equal(t, CapabilityResearch, plan[0].Capability)
		assert.Equal(t, CapabilityReport, plan[1].Capability)
		assert.Equal(t, []string{CapabilityResearch}, plan[1].DependsOn)
	})

	t.Run("artifacts imply analysis", func(t *testing.T) {
		req := types.NewRequest("Summarize what we know about competitors", types.ArtifactRef{ID: "sales.csv"})
		plan, err := p.Plan(context.Background(), req, nil)
		require.NoError(t, err)
		ids := make([]string, 0, len(plan))
		for _, st := range plan {
			ids = append(ids, st.ID)
		}
		assert.Equal(t, []string{CapabilityDataAnalysis, CapabilityResearch, CapabilityReport}, ids)
		assert.Equal(t, []string{CapabilityDataAnalysis, CapabilityResearch}, plan[2].DependsOn)
	})

	t.Run("independent sources stay parallel", func(t *testing.T) {
		plan, err := p.Plan(context.Background(), types.NewRequest("analyze the dataset and research the market"), nil)
		require.NoError(t, err)
		require.Len(t, plan, 2)
		for _, st := range plan {
			assert.Empty(t, st.DependsOn)
		}
	})

	t.Run("report alone has no dependencies", func(t *testing.T) {
		plan, err := p.Plan(context.Background(), types.NewRequest("Draft a presentation"), nil)
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Empty(t, plan[0].DependsOn)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := p.Plan(context.Background(), types.NewRequest("hello there"), nil)
		require.ErrorIs(t, err, types.ErrNoCapabilities)
	})

	t.Run("unavailable rules are skipped", func(t *testing.T) {
		req := types.NewRequest("research competitors and write a report", types.ArtifactRef{ID: "sales.csv"})
		plan, err := p.Plan(context.Background(), req, []string{CapabilityResearch})
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Equal(t, CapabilityResearch, plan[0].Capability)

		plan, err = p.Plan(context.Background(), req, []string{CapabilityDataAnalysis, CapabilityReport})
		require.NoError(t, err)
		require.Len(t, plan, 2)
		assert.Equal(t, []string{CapabilityDataAnalysis}, plan[1].DependsOn)
	})
}

func TestDecomposer_AllowedCapabilitiesNarrowFreeText(t *testing.T) {
	d := New(demoCatalog, nil)
	g, err := d.Build(context.Background(), types.WorkflowRequest{
		ID:     "wf",
		Goal:   "research competitors and write a report",
		Config: types.RequestConfig{AllowedCapabilities: []string{CapabilityResearch}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{CapabilityResearch}, g.IDs())
}

func TestDecomposer_UnregisteredRulesAreSkipped(t *testing.T) {
	g, err := New(catalog{CapabilityResearch}, nil).Build(context.Background(), types.NewRequest("research trends and write a report"))
	require.NoError(t, err)
	assert.Equal(t, []string{CapabilityResearch}, g.IDs())
}

func TestDecomposer_BuildFreeText(t *testing.T) {
	d := New(demoCatalog, nil)
	req := types.NewRequest("Analyze sales data, research market trends, and create a report", types.ArtifactRef{ID: "q3.csv"})

	g, err := d.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, g.ID())
	assert.True(t, g.Sealed())
	assert.Equal(t, []string{CapabilityDataAnalysis, CapabilityResearch, CapabilityReport}, g.IDs())
	assert.Equal(t, []string{CapabilityDataAnalysis, CapabilityResearch}, deps(t, g, CapabilityReport))

	n, _ := g.Node(CapabilityResearch)
	assert.Equal(t, req.Goal, n.Input[InputGoalKey])
	assert.Equal(t, []string{"q3.csv"}, n.Input[InputArtifactsKey])
	assert.Equal(t, "Conduct research and gather information", n.Input[InputDescriptionKey])
}

func TestDecomposer_BuildStructured(t *testing.T) {
	d := New(demoCatalog, nil)
	req := types.WorkflowRequest{
		ID:   "wf-structured",
		Goal: "quarterly review",
		Subtasks: []types.Subtask{
			{ID: "summary", Capability: CapabilityReport, DependsOn: []string{"numbers"}, Input: types.Payload{"title": "Q3", InputGoalKey: "override"}},
			{ID: "numbers", Capability: CapabilityDataAnalysis, MaxAttempts: 5},
			{Capability: CapabilityResearch},
		},
	}

	g, err := d.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary", "numbers", "research-3"}, g.IDs())

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"numbers", "research-3", "summary"}, order)

	n, _ := g.Node("summary")
	assert.Equal(t, "Q3", n.Input["title"])
	assert.Equal(t, "override", n.Input[InputGoalKey], "subtask input wins")
	num, _ := g.Node("numbers")
	assert.Equal(t, 5, num.MaxAttempts)
}

func TestDecomposer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		catalog catalog
		req     types.WorkflowRequest
		is      error
	}{
		{
			name:    "no capability matches",
			catalog: demoCatalog,
			req:     types.NewRequest("good morning"),
			is:      types.ErrNoCapabilities,
		},
		{
			name:    "unregistered capability",
			catalog: catalog{CapabilityResearch},
			req: types.WorkflowRequest{ID: "wf", Subtasks: []types.Subtask{
				{ID: "a", Capability: CapabilityResearch},
				{ID: "b", Capability: CapabilityReport, DependsOn: []string{"a"}},
			}},
		},
		{
			name:    "capability not permitted",
			catalog: demoCatalog,
			req: types.WorkflowRequest{
				ID:       "wf",
				Subtasks: []types.Subtask{{ID: "b", Capability: CapabilityReport}},
				Config:   types.RequestConfig{AllowedCapabilities: []string{CapabilityResearch}},
			},
			is: types.ErrCapabilityNotPermitted,
		},
		{
			name:    "every matching rule excluded",
			catalog: demoCatalog,
			req: types.WorkflowRequest{
				ID:     "wf",
				Goal:   "write a report",
				Config: types.RequestConfig{AllowedCapabilities: []string{CapabilityResearch}},
			},
			is: types.ErrNoCapabilities,
		},
		{
			name:    "cycle",
			catalog: demoCatalog,
			req: types.WorkflowRequest{ID: "wf", Subtasks: []types.Subtask{
				{ID: "a", Capability: CapabilityResearch, DependsOn: []string{"b"}},
				{ID: "b", Capability: CapabilityReport, DependsOn: []string{"a"}},
			}},
			is: graph.ErrCyclicDependency,
		},
		{
			name:    "unknown dependency",
			catalog: demoCatalog,
			req: types.WorkflowRequest{ID: "wf", Subtasks: []types.Subtask{
				{ID: "a", Capability: CapabilityResearch, DependsOn: []string{"ghost"}},
			}},
			is: graph.ErrNodeNotFound,
		},
		{
			name:    "duplicate ids",
			catalog: demoCatalog,
			req: types.WorkflowRequest{ID: "wf", Subtasks: []types.Subtask{
				{ID: "a", Capability: CapabilityResearch},
				{ID: "a", Capability: CapabilityReport},
			}},
			is: graph.ErrDuplicateNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.catalog, nil).Build(context.Background(), tt.req)
			require.Error(t, err)

			var derr *types.DecompositionError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, types.KindDecomposition, types.Classify(err))
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
		})
	}

	t.Run("unregistered capability is reported by tag", func(t *testing.T) {
		_, err := New(catalog{CapabilityResearch}, nil).Build(context.Background(), types.WorkflowRequest{
			ID:       "wf",
			Subtasks: []types.Subtask{{ID: "b", Capability: CapabilityReport}},
		})
		var nf *types.CapabilityNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, CapabilityReport, nf.Capability)
	})

	t.Run("empty plan", func(t *testing.T) {
		empty := plannerFunc{name: "empty", fn: func() ([]types.Subtask, error) { return nil, nil }}
		_, err := New(demoCatalog, empty).Build(context.Background(), types.NewRequest("anything"))
		require.ErrorIs(t, err, types.ErrEmptyPlan)
	})
}

func TestCapabilityPlanner(t *testing.T) {
	var got types.Invocation
	inv := invokerFunc(func(_ context.Context, tag string, in types.Invocation) (types.Payload, error) {
		got = in
		require.Equal(t, "planning", tag)
		return types.Payload{PlanSubtasksKey: []any{
			map[string]any{"id": "r", "capability": CapabilityResearch},
			map[string]any{"id": "w", "capability": CapabilityReport, "depends_on": []any{"r"}},
		}}, nil
	})

	d := New(demoCatalog, NewCapabilityPlanner(inv, "planning", 0))
	req := types.NewRequest("whatever the model decides", types.ArtifactRef{ID: "deck.pdf"})
	g, err := d.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"r", "w"}, g.IDs())
	assert.Equal(t, []string{"r"}, deps(t, g, "w"))

	assert.Equal(t, req.Goal, got.Input[PlanGoalKey])
	assert.Equal(t, []string{CapabilityDataAnalysis, CapabilityResearch, CapabilityReport}, got.Input[PlanCapabilitiesKey],
		"the planning tag itself is not offered")
	assert.Equal(t, []string{"deck.pdf"}, got.Input[PlanArtifactsKey])
}

func TestCapabilityPlanner_Errors(t *testing.T) {
	failing := invokerFunc(func(context.Context, string, types.Invocation) (types.Payload, error) {
		return nil, errors.New("model offline")
	})
	_, err := NewCapabilityPlanner(failing, "planning", 0).Plan(context.Background(), types.NewRequest("x"), nil)
	require.ErrorContains(t, err, "model offline")

	_, err = ParseSubtasks(types.Payload{"plan": "nope"})
	require.Error(t, err)

	_, err = ParseSubtasks(types.Payload{PlanSubtasksKey: "not a list"})
	require.Error(t, err)

	typed := []types.Subtask{{ID: "a", Capability: CapabilityResearch}}
	plan, err := ParseSubtasks(types.Payload{PlanSubtasksKey: typed})
	require.NoError(t, err)
	assert.Equal(t, typed, plan)
}

func TestChainPlanner(t *testing.T) {
	failing := plannerFunc{name: "broken", fn: func() ([]types.Subtask, error) { return nil, errors.New("boom") }}
	empty := plannerFunc{name: "empty", fn: func() ([]types.Subtask, error) { return nil, nil }}

	chain := NewChainPlanner(failing, empty, NewKeywordPlanner())
	plan, err := chain.Plan(context.Background(), types.NewRequest("market research"), nil)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, CapabilityResearch, plan[0].Capability)

	_, err = NewChainPlanner(failing, empty).Plan(context.Background(), types.NewRequest("x"), nil)
	require.ErrorContains(t, err, "broken planner: boom")

	_, err = NewChainPlanner(empty).Plan(context.Background(), types.NewRequest("x"), nil)
	require.ErrorIs(t, err, types.ErrEmptyPlan)
}

// TestDecomposer_GraphsAreAcyclic is a property-based test: every graph the
// decomposer builds, from keyword goals or random structured plans, is a DAG.
func TestDecomposer_GraphsAreAcyclic(t *testing.T) {
	vocabulary := []string{"analyze", "data", "research", "market", "report", "summary", "the", "and", "csv", "trends"}
	d := New(demoCatalog, nil)

	rapid.Check(t, func(r *rapid.T) {
		var req types.WorkflowRequest
		if rapid.Bool().Draw(r, "structured") {
			n := rapid.IntRange(1, 8).Draw(r, "subtasks")
			req.ID = "wf"
			for i := 0; i < n; i++ {
				st := types.Subtask{
					ID:         fmt.Sprintf("t%d", i),
					Capability: rapid.SampledFrom([]string(demoCatalog)).Draw(r, "capability"),
				}
				for j := 0; j < n; j++ {
					if j != i && rapid.IntRange(0, 4).Draw(r, fmt.Sprintf("dep-%d-%d", i, j)) == 0 {
						st.DependsOn = append(st.DependsOn, fmt.Sprintf("t%d", j))
					}
				}
				req.Subtasks = append(req.Subtasks, st)
			}
		} else {
			words := rapid.SliceOfN(rapid.SampledFrom(vocabulary), 1, 6).Draw(r, "words")
			req = types.NewRequest(strings.Join(words, " "))
		}

		g, err := d.Build(context.Background(), req)
		if err != nil {
			var derr *types.DecompositionError
			if !errors.As(err, &derr) {
				r.Fatalf("non-decomposition error: %v", err)
			}
			return
		}

		order, err := g.TopologicalOrder()
		if err != nil {
			r.Fatalf("topological order: %v", err)
		}
		if len(order) != g.Len() {
			r.Fatalf("order covers %d of %d nodes", len(order), g.Len())
		}
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			n, _ := g.Node(id)
			for _, dep := range n.DependsOn {
				if !seen[dep] {
					r.Fatalf("%s reachable before dependency %s", id, dep)
				}
			}
			seen[id] = true
		}
	})
}
