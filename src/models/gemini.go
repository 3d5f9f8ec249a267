package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ---------------------------- Google Gemini ----------------------------------

type GeminiLLM struct {
	Client      *genai.Client
	Model       string
	Temperature *float64
	MaxTokens   int
}

func NewGeminiLLM(ctx context.Context, cfg Config) (*GeminiLLM, error) {
	apiKey, err := resolveKey(cfg.APIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY")
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	return &GeminiLLM{
		Client:      client,
		Model:       cfg.ModelName,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.maxTokens(),
	}, nil
}

func (g *GeminiLLM) Generate(ctx context.Context, prompt string) (any, error) {
	return g.GenerateMessages(ctx, []Message{{Role: RoleUser, Content: prompt}})
}

// GenerateMessages replays all but the last turn as chat history and sends the last one.
func (g *GeminiLLM) GenerateMessages(ctx context.Context, messages []Message) (any, error) {
	system, rest := SplitSystem(messages)
	if len(rest) == 0 {
		return nil, errors.New("gemini: no messages to send")
	}

	model := g.Client.GenerativeModel(g.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if g.Temperature != nil {
		model.SetTemperature(float32(*g.Temperature))
	}
	if g.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(g.MaxTokens))
	}

	cs := model.StartChat()
	for _, m := range rest[:len(rest)-1] {
		cs.History = append(cs.History, toGeminiContent(m))
	}
	last := toGeminiContent(rest[len(rest)-1])

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// Close releases the underlying gRPC connection.
func (g *GeminiLLM) Close() error {
	if g == nil || g.Client == nil {
		return nil
	}
	return g.Client.Close()
}

func toGeminiContent(m Message) *genai.Content {
	switch m.Role {
	case RoleAssistant:
		return &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}}
	case RoleTool:
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(toolResultAsUser(m))}}
	default:
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}}
	}
}

var _ Agent = (*GeminiLLM)(nil)
