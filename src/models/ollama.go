package models

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// ---------------------------- Ollama -----------------------------------------

type OllamaLLM struct {
	Client      *ollama.Client
	Model       string
	Temperature *float64
}

// NewOllamaLLM targets cfg.BaseURL, then OLLAMA_HOST, then the local default. No key is needed.
func NewOllamaLLM(cfg Config) (*OllamaLLM, error) {
	host := strings.TrimSpace(cfg.BaseURL)
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
	}

	c := ollama.NewClient(u, httpClient)
	return &OllamaLLM{Client: c, Model: cfg.ModelName, Temperature: cfg.Temperature}, nil
}

func (o *OllamaLLM) Generate(ctx context.Context, prompt string) (any, error) {
	return o.GenerateMessages(ctx, []Message{{Role: RoleUser, Content: prompt}})
}

func (o *OllamaLLM) GenerateMessages(ctx context.Context, messages []Message) (any, error) {
	stream := false
	req := &ollama.ChatRequest{
		Model:    o.Model,
		Messages: toOllamaMessages(messages),
		Stream:   &stream,
	}
	if o.Temperature != nil {
		req.Options = map[string]any{"temperature": *o.Temperature}
	}

	var text strings.Builder
	if err := o.Client.Chat(ctx, req, func(cr ollama.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		return nil
	}); err != nil {
		return nil, err
	}
	return text.String(), nil
}

func toOllamaMessages(messages []Message) []ollama.Message {
	out := make([]ollama.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			out = append(out, ollama.Message{Role: string(RoleUser), Content: toolResultAsUser(m)})
		default:
			out = append(out, ollama.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

var _ Agent = (*OllamaLLM)(nil)
