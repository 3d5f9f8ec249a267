package models

import (
	"context"
	"errors"
	"testing"
)

func TestNewDummyLLMDefaultPrefix(t *testing.T) {
	llm := NewDummyLLM("")
	resp, err := llm.Generate(context.Background(), "line1\nline2")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got := resp.(string); got != "Dummy response: line2" {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestNewDummyLLMUsesLastNonEmptyLine(t *testing.T) {
	llm := NewDummyLLM("Prefix:")
	resp, err := llm.Generate(context.Background(), "first\n\nsecond\n  \nthird")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got := resp.(string); got != "Prefix: third" {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestDummyLLMAnswersSelectionDirectiveWithEmptyArray(t *testing.T) {
	llm := NewDummyLLM("")
	resp, err := llm.GenerateMessages(context.Background(), []Message{
		{Role: RoleSystem, Content: "Reply with a JSON array of tool names."},
		{Role: RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("GenerateMessages returned error: %v", err)
	}
	if got := Text(resp); got != "[]" {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestDummyLLMEchoesLastUserMessage(t *testing.T) {
	llm := NewDummyLLM("Echo:")
	resp, err := llm.GenerateMessages(context.Background(), []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "second"},
	})
	if err != nil {
		t.Fatalf("GenerateMessages returned error: %v", err)
	}
	if got := Text(resp); got != "Echo: second" {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestNewLLMProviderErrorsOnUnknownProvider(t *testing.T) {
	if _, err := NewLLMProvider(context.Background(), Config{Provider: "unknown", ModelName: "model"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestNewLLMProviderRequiresModelName(t *testing.T) {
	if _, err := NewLLMProvider(context.Background(), Config{Provider: "openai"}); err == nil {
		t.Fatalf("expected error when model name is missing")
	}
}

func TestNewLLMProviderMissingCredential(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	for _, provider := range []string{"openai", "anthropic"} {
		_, err := NewLLMProvider(context.Background(), Config{Provider: provider, ModelName: "m"})
		if !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("%s: expected ErrMissingCredential, got %v", provider, err)
		}
	}
}

func TestNewLLMProviderUsesExplicitKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	llm, err := NewLLMProvider(context.Background(), Config{Provider: "OpenAI", ModelName: "gpt-4o-mini", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewLLMProvider returned error: %v", err)
	}
	if _, ok := llm.(*OpenAILLM); !ok {
		t.Fatalf("expected *OpenAILLM, got %T", llm)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: " b "},
	})
	if system != "a\n\nb" {
		t.Fatalf("unexpected system: %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "u" {
		t.Fatalf("unexpected rest: %+v", rest)
	}
}

func TestTextNormalisesCompletions(t *testing.T) {
	if got := Text(nil); got != "" {
		t.Fatalf("nil: %q", got)
	}
	if got := Text("x"); got != "x" {
		t.Fatalf("string: %q", got)
	}
	if got := Text(42); got != "42" {
		t.Fatalf("int: %q", got)
	}
}

func TestOllamaMessagesFoldToolResults(t *testing.T) {
	out := toOllamaMessages([]Message{{Role: RoleTool, Name: "calc", Content: "4"}})
	if len(out) != 1 || out[0].Role != "user" {
		t.Fatalf("unexpected messages: %+v", out)
	}
	if out[0].Content != "[tool result: calc]\n4" {
		t.Fatalf("unexpected content: %q", out[0].Content)
	}
}
