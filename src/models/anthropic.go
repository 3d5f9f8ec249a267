package models

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLM implements Agent using Anthropic's Messages API.
type AnthropicLLM struct {
	Client      *anthropic.Client
	Model       string
	MaxTokens   int
	Temperature *float64
}

// NewAnthropicLLM constructs a client. The key comes from cfg or ANTHROPIC_API_KEY.
func NewAnthropicLLM(cfg Config) (*AnthropicLLM, error) {
	key, err := resolveKey(cfg.APIKey, "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	cl := anthropic.NewClient(opts...)
	return &AnthropicLLM{
		Client:      &cl,
		Model:       cfg.ModelName,
		MaxTokens:   cfg.maxTokens(),
		Temperature: cfg.Temperature,
	}, nil
}

func (a *AnthropicLLM) Generate(ctx context.Context, prompt string) (any, error) {
	return a.GenerateMessages(ctx, []Message{{Role: RoleUser, Content: prompt}})
}

// GenerateMessages sends the conversation and returns the concatenated text blocks.
func (a *AnthropicLLM) GenerateMessages(ctx context.Context, messages []Message) (any, error) {
	system, rest := SplitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(a.MaxTokens),
		Messages:  toAnthropicMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if a.Temperature != nil {
		params.Temperature = anthropic.Float(*a.Temperature)
	}

	msg, err := a.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(toolResultAsUser(m))))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

var _ Agent = (*AnthropicLLM)(nil)
