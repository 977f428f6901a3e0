package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/pkg/types"
)

// ErrEmptyCompletion is returned when a model answers without any choice.
var ErrEmptyCompletion = errors.New("model returned no completion")

// NewModel builds the OpenAI-compatible chat model described by cfg.
func NewModel(cfg config.LLM) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return llm, nil
}

// generate runs a single system+human exchange. Provider failures are
// transient; a context error is returned as-is.
func generate(ctx context.Context, model llms.Model, system, prompt string, opts ...llms.CallOption) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.Transient(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", types.Permanent(ErrEmptyCompletion)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
