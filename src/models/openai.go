package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type OpenAILLM struct {
	Client      *openai.Client
	Model       string
	Temperature *float64
	MaxTokens   int
}

// NewOpenAILLM builds a chat-completions client. The key comes from cfg or OPENAI_API_KEY.
func NewOpenAILLM(cfg Config) (*OpenAILLM, error) {
	key, err := resolveKey(cfg.APIKey, "OPENAI_API_KEY", "OPENAI_KEY")
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	occ := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	return &OpenAILLM{
		Client:      openai.NewClientWithConfig(occ),
		Model:       cfg.ModelName,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.maxTokens(),
	}, nil
}

func (o *OpenAILLM) Generate(ctx context.Context, prompt string) (any, error) {
	return o.GenerateMessages(ctx, []Message{{Role: RoleUser, Content: prompt}})
}

func (o *OpenAILLM) GenerateMessages(ctx context.Context, messages []Message) (any, error) {
	req := openai.ChatCompletionRequest{
		Model:     o.Model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: o.MaxTokens,
	}
	if o.Temperature != nil {
		req.Temperature = float32(*o.Temperature)
	}

	resp, err := o.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: toolResultAsUser(m)})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

var _ Agent = (*OpenAILLM)(nil)
