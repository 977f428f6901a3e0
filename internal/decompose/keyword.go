package decompose

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Capability tags used by the default keyword rules.
const (
	CapabilityDataAnalysis = "data-analysis"
	CapabilityResearch     = "research"
	CapabilityReport       = "report"
)

// Rule maps goal keywords to one subtask. A sink rule consumes the outputs
// of every non-sink subtask planned before it.
type Rule struct {
	Capability  string
	Description string
	Keywords    []string // Matched as word prefixes, case-insensitive
	Sink        bool
	// OnArtifacts selects the rule whenever the request attaches artifacts.
	OnArtifacts bool
}

// DefaultRules recognise the data analysis, research and report workers.
func DefaultRules() []Rule {
	return []Rule{
		{
			Capability:  CapabilityDataAnalysis,
			Description: "Analyze data and provide insights",
			Keywords:    []string{"data", "analy", "csv", "excel", "statistic", "dataset"},
			OnArtifacts: true,
		},
		{
			Capability:  CapabilityResearch,
			Description: "Conduct research and gather information",
			Keywords:    []string{"research", "market", "competitor", "trend", "search", "investigat"},
		},
		{
			Capability:  CapabilityReport,
			Description: "Generate comprehensive report",
			Keywords:    []string{"report", "document", "summar", "presentation", "brief"},
			Sink:        true,
		},
	}
}

// KeywordPlanner plans free-text requests by matching goal words against rules.
type KeywordPlanner struct {
	rules []Rule
}

// NewKeywordPlanner creates a planner over rules; no rules means DefaultRules.
func NewKeywordPlanner(rules ...Rule) *KeywordPlanner {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &KeywordPlanner{rules: rules}
}

func (p *KeywordPlanner) Name() string {
	return "keyword"
}

// Plan returns one subtask per matching rule in rule order. Subtask IDs are
// the capability tags. Rules for tags missing from available are skipped; a
// nil available list skips none. It fails with types.ErrNoCapabilities when
// no usable rule matches.
func (p *KeywordPlanner) Plan(_ context.Context, req types.WorkflowRequest, available []string) ([]types.Subtask, error) {
	words := tokenize(req.Goal)

	var (
		plan    []types.Subtask
		sources []string
	)
	for _, rule := range p.rules {
		if available != nil && !slices.Contains(available, rule.Capability) {
			continue
		}
		if !rule.matches(words, len(req.Artifacts) > 0) {
			continue
		}
		if slices.ContainsFunc(plan, func(s types.Subtask) bool { return s.ID == rule.Capability }) {
			continue
		}
		st := types.Subtask{
			ID:          rule.Capability,
			Capability:  rule.Capability,
			Description: rule.Description,
		}
		if rule.Sink {
			st.DependsOn = slices.Clone(sources)
		} else {
			sources = append(sources, st.ID)
		}
		plan = append(plan, st)
	}

	if len(plan) == 0 {
		return nil, types.ErrNoCapabilities
	}
	return plan, nil
}

func (r Rule) matches(words []string, hasArtifacts bool) bool {
	if r.OnArtifacts && hasArtifacts {
		return true
	}
	for _, w := range words {
		for _, kw := range r.Keywords {
			if strings.HasPrefix(w, kw) {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
