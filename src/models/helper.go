package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMissingCredential is returned when no usable API key can be found for a provider.
var ErrMissingCredential = errors.New("models: missing provider credential")

// ErrUnknownProvider is returned when Config.Provider names no supported backend.
var ErrUnknownProvider = errors.New("models: unknown provider")

const defaultMaxTokens = 1024

// Config selects and parameterises a provider client.
type Config struct {
	Provider    string   `json:"provider"`
	ModelName   string   `json:"modelName"`
	APIKey      string   `json:"apiKey,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	BaseURL     string   `json:"baseUrl,omitempty"`
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

// NewLLMProvider returns a concrete Agent for cfg.Provider.
func NewLLMProvider(ctx context.Context, cfg Config) (Agent, error) {
	if strings.TrimSpace(cfg.ModelName) == "" && !isDummy(cfg.Provider) {
		return nil, errors.New("models: model name is required")
	}
	var (
		llm Agent
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		llm, err = asAgent(NewOpenAILLM(cfg))
	case "gemini", "google":
		llm, err = asAgent(NewGeminiLLM(ctx, cfg))
	case "ollama":
		llm, err = asAgent(NewOllamaLLM(cfg))
	case "anthropic", "claude":
		llm, err = asAgent(NewAnthropicLLM(cfg))
	case "dummy":
		llm = NewDummyLLM(cfg.ModelName)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return llm, nil
}

// asAgent drops typed-nil results so a failed constructor never yields a non-nil Agent.
func asAgent[T Agent](llm T, err error) (Agent, error) {
	if err != nil {
		return nil, err
	}
	return llm, nil
}

func isDummy(provider string) bool {
	return strings.EqualFold(strings.TrimSpace(provider), "dummy")
}

// resolveKey returns the explicit key or the first non-empty environment variable.
func resolveKey(explicit string, envVars ...string) (string, error) {
	if key := strings.TrimSpace(explicit); key != "" {
		return key, nil
	}
	for _, name := range envVars {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: set %s", ErrMissingCredential, strings.Join(envVars, " or "))
}

// Text normalises a provider completion into a plain string.
func Text(completion any) string {
	switch v := completion.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// SplitSystem separates system messages from the conversation. Providers that take the
// system prompt out of band (Anthropic, Gemini) use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// toolResultAsUser renders a tool message as user content for providers whose chat APIs
// require native tool-call ids that the text protocol does not carry.
func toolResultAsUser(m Message) string {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("[tool result: %s]\n%s", name, m.Content)
}

// lastUserContent returns the content of the final user-visible message.
func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser || messages[i].Role == RoleTool {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
