package models

import (
	"context"
	"fmt"
	"strings"
)

// DummyLLM is a lightweight model implementation useful for local testing without API calls.
type DummyLLM struct {
	Prefix string
}

func NewDummyLLM(prefix string) *DummyLLM {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Dummy response:"
	}
	return &DummyLLM{Prefix: prefix}
}

func (d *DummyLLM) Generate(_ context.Context, prompt string) (any, error) {
	lines := strings.Split(prompt, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if candidate != "" {
			last = candidate
			break
		}
	}
	if last == "" {
		last = "<empty prompt>"
	}
	return fmt.Sprintf("%s %s", d.Prefix, last), nil
}

// GenerateMessages echoes the last user message. A tool-selection directive is answered
// with an empty JSON array so orchestration stays tool-less.
func (d *DummyLLM) GenerateMessages(ctx context.Context, messages []Message) (any, error) {
	system, _ := SplitSystem(messages)
	if strings.Contains(system, "JSON array") {
		return "[]", nil
	}
	return d.Generate(ctx, lastUserContent(messages))
}

var _ Agent = (*DummyLLM)(nil)
