package agents

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/coordinator/internal/decompose"
	"github.com/avi3tal/coordinator/pkg/types"
)

// Output keys shared by the built-in workers.
const (
	OutputSummaryKey   = "summary"
	OutputArtifactsKey = "artifacts"
	OutputFindingsKey  = "findings"
	OutputSectionsKey  = "sections"
	OutputTitleKey     = "title"
)

const (
	analystPrompt = `You are a data analyst. Examine the referenced datasets, check data quality,
summarise the key statistics, patterns and anomalies, and finish with actionable insights
in business-friendly language.`

	researchPrompt = `You are a research analyst. Investigate the topic, cover market context,
competitors and trends, and state each finding on its own line. When refining earlier
findings, keep what is still accurate and add what is missing.`

	reportPrompt = `You are a report writer. Combine the analysis and research sections you are
given into a single structured report with an executive summary, findings and
recommendations.`
)

// DataAnalyst summarises the artifacts referenced by a workflow.
type DataAnalyst struct {
	spec  types.CapabilitySpec
	model llms.Model
}

// NewDataAnalyst creates the data analysis worker. A nil model produces a
// deterministic inventory of the referenced artifacts.
func NewDataAnalyst(model llms.Model, opts ...SpecOption) *DataAnalyst {
	return &DataAnalyst{spec: defaultSpec(decompose.CapabilityDataAnalysis, "data-analyst", opts), model: model}
}

func (a *DataAnalyst) Spec() types.CapabilitySpec {
	return a.spec
}

func (a *DataAnalyst) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	ids := make([]string, 0, len(inv.Artifacts))
	kinds := make(map[string]int)
	for _, ref := range inv.Artifacts {
		ids = append(ids, ref.ID)
		kinds[kindOf(ref)]++
	}

	out := types.Payload{OutputArtifactsKey: ids}
	if a.model == nil {
		out[OutputSummaryKey] = inventory(len(ids), kinds)
		return out, nil
	}

	prompt := fmt.Sprintf("Goal: %s\nTask: %s\nDatasets: %s",
		inv.Input[decompose.InputGoalKey], inv.Input[decompose.InputDescriptionKey], strings.Join(ids, ", "))
	text, err := generate(ctx, a.model, analystPrompt, prompt)
	if err != nil {
		return nil, err
	}
	out[OutputSummaryKey] = text
	return out, nil
}

// NewResearcher creates the research worker. It refines its findings for up
// to the invocation's iteration budget and stops early once a pass adds
// nothing. A nil model produces a single-pass outline of the goal.
func NewResearcher(model llms.Model, opts ...SpecOption) *Iterative {
	s := defaultSpec(decompose.CapabilityResearch, "researcher", opts)
	return Iterate(s, func(ctx context.Context, inv types.Invocation, iteration int, state types.Payload) (types.Payload, bool, error) {
		goal, _ := inv.Input[decompose.InputGoalKey].(string)
		if model == nil {
			return types.Payload{
				OutputSummaryKey:  fmt.Sprintf("Research outline for %q", goal),
				OutputFindingsKey: []string{"market context", "competitors", "trends"},
			}, true, nil
		}

		prev, _ := state[OutputSummaryKey].(string)
		prompt := fmt.Sprintf("Topic: %s\nTask: %s", goal, inv.Input[decompose.InputDescriptionKey])
		if prev != "" {
			prompt += "\nEarlier findings:\n" + prev
		}
		text, err := generate(ctx, model, researchPrompt, prompt)
		if err != nil {
			return nil, false, err
		}
		known, _ := state[OutputFindingsKey].([]string)
		findings, added := mergeFindings(known, lines(text))
		return types.Payload{
			OutputSummaryKey:  text,
			OutputFindingsKey: findings,
		}, iteration > 1 && added == 0, nil
	})
}

// mergeFindings appends the findings not already known, compared without
// regard to case, and reports how many were new.
func mergeFindings(known, found []string) ([]string, int) {
	seen := make(map[string]bool, len(known)+len(found))
	out := slices.Clone(known)
	for _, f := range known {
		seen[strings.ToLower(f)] = true
	}
	added := 0
	for _, f := range found {
		key := strings.ToLower(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		added++
	}
	return out, added
}

// ReportGenerator combines the outputs of its upstream nodes.
type ReportGenerator struct {
	spec  types.CapabilitySpec
	model llms.Model
}

// NewReportGenerator creates the report worker. A nil model concatenates
// upstream summaries in node order.
func NewReportGenerator(model llms.Model, opts ...SpecOption) *ReportGenerator {
	return &ReportGenerator{spec: defaultSpec(decompose.CapabilityReport, "report-generator", opts), model: model}
}

func (g *ReportGenerator) Spec() types.CapabilitySpec {
	return g.spec
}

func (g *ReportGenerator) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	ids := slices.Sorted(maps.Keys(inv.Upstream))

	sections := make([]types.Payload, 0, len(ids))
	var b strings.Builder
	for _, id := range ids {
		summary := fmt.Sprint(inv.Upstream[id][OutputSummaryKey])
		sections = append(sections, types.Payload{"node_id": id, OutputSummaryKey: summary})
		fmt.Fprintf(&b, "## %s\n%s\n\n", id, summary)
	}

	title, _ := inv.Input[decompose.InputGoalKey].(string)
	out := types.Payload{
		OutputTitleKey:    title,
		OutputSectionsKey: sections,
	}
	if g.model == nil {
		out[OutputSummaryKey] = strings.TrimSpace(b.String())
		return out, nil
	}

	text, err := generate(ctx, g.model, reportPrompt, fmt.Sprintf("Title: %s\n\n%s", title, b.String()))
	if err != nil {
		return nil, err
	}
	out[OutputSummaryKey] = text
	return out, nil
}

func kindOf(ref types.ArtifactRef) string {
	if ref.Kind != "" {
		return ref.Kind
	}
	if i := strings.LastIndexByte(ref.ID, '.'); i >= 0 && i < len(ref.ID)-1 {
		return strings.ToLower(ref.ID[i+1:])
	}
	return "unknown"
}

func inventory(n int, kinds map[string]int) string {
	if n == 0 {
		return "no datasets provided"
	}
	parts := make([]string, 0, len(kinds))
	for _, k := range slices.Sorted(maps.Keys(kinds)) {
		parts = append(parts, fmt.Sprintf("%d %s", kinds[k], k))
	}
	return fmt.Sprintf("%d datasets (%s)", n, strings.Join(parts, ", "))
}

func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(strings.TrimLeft(l, "-*• ")); l != "" {
			out = append(out, l)
		}
	}
	return out
}
