package models

import (
	"context"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat exchange. Name carries the tool name for RoleTool messages.
type Message struct {
	Role    Role   `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
	Name    string `json:"name,omitempty" bson:"name,omitempty"`
}

// Agent is the contract every provider client satisfies.
type Agent interface {
	// Generate performs a single-turn completion for a plain prompt.
	Generate(context.Context, string) (any, error)
	// GenerateMessages performs one completion over a role-tagged message list.
	GenerateMessages(context.Context, []Message) (any, error)
}
