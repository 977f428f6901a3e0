package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/coordinator/pkg/types"
)

const plannerPrompt = `You are a workflow coordinator. Break the user's goal into subtasks, each handled by
exactly one of the listed capabilities. Reply with JSON only, in the form
{"subtasks":[{"id":"...","capability":"...","description":"...","depends_on":["..."]}]}.
Use only the listed capabilities, keep dependencies acyclic and give every subtask a
short unique id.`

// LLMPlanner plans free-text requests with a chat model. Plans are cached
// per goal, artifact set and capability set.
type LLMPlanner struct {
	model  llms.Model
	cache  *cache.Cache
	logger *slog.Logger
}

// NewLLMPlanner creates a planner backed by model. A ttl of zero disables
// caching.
func NewLLMPlanner(model llms.Model, ttl time.Duration, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &LLMPlanner{model: model, logger: logger.With("component", "llm-planner")}
	if ttl > 0 {
		p.cache = cache.New(ttl, 2*ttl)
	}
	return p
}

func (p *LLMPlanner) Name() string {
	return "llm"
}

func (p *LLMPlanner) Plan(ctx context.Context, req types.WorkflowRequest, available []string) ([]types.Subtask, error) {
	if len(available) == 0 {
		return nil, types.ErrNoCapabilities
	}

	key := planKey(req, available)
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			p.logger.DebugContext(ctx, "plan cache hit", "workflow", req.ID)
			return cloneSubtasks(cached.([]types.Subtask)), nil
		}
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Goal: %s\nCapabilities: %s\n", req.Goal, strings.Join(available, ", "))
	if len(req.Artifacts) > 0 {
		ids := make([]string, 0, len(req.Artifacts))
		for _, a := range req.Artifacts {
			ids = append(ids, a.ID)
		}
		fmt.Fprintf(&prompt, "Artifacts: %s\n", strings.Join(ids, ", "))
	}

	text, err := generate(ctx, p.model, plannerPrompt, prompt.String(), llms.WithJSONMode(), llms.WithTemperature(0))
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(text)
	if err != nil {
		return nil, err
	}
	for _, st := range plan {
		if !slices.Contains(available, st.Capability) {
			return nil, fmt.Errorf("planned subtask %q uses unavailable capability %q", st.ID, st.Capability)
		}
	}

	if p.cache != nil {
		p.cache.Set(key, cloneSubtasks(plan), cache.DefaultExpiration)
	}
	p.logger.DebugContext(ctx, "plan generated", "workflow", req.ID, "subtasks", len(plan))
	return plan, nil
}

// ParsePlan decodes a model answer into subtasks. Markdown code fences
// around the JSON are tolerated, as is a bare array.
func ParsePlan(text string) ([]types.Subtask, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, types.ErrEmptyPlan
	}

	if strings.HasPrefix(text, "[") {
		var plan []types.Subtask
		if err := json.Unmarshal([]byte(text), &plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		return plan, nil
	}
	var wrapped struct {
		Subtasks []types.Subtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return wrapped.Subtasks, nil
}

func planKey(req types.WorkflowRequest, available []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.Goal)
	for _, a := range req.Artifacts {
		_, _ = h.WriteString("\x00a:" + a.ID)
	}
	for _, tag := range available {
		_, _ = h.WriteString("\x00c:" + tag)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func cloneSubtasks(in []types.Subtask) []types.Subtask {
	req := types.WorkflowRequest{Subtasks: in}
	return req.Clone().Subtasks
}
