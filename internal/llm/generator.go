// Package llm streams assistant replies from a chat completion provider.
package llm

import (
	"context"
	"encoding/json"

	"github.com/lexiqai/voice-agent/internal/conversation"
)

// Message roles understood by the provider
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message sent to the provider
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // set on tool results
	ToolCalls  []ToolCall // set on assistant messages that requested tools
}

// ToolCall is a function invocation requested by the model
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes a tool to the model
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema of the arguments object
}

// Tool is a function the model may call while generating a reply
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, arguments json.RawMessage) (string, error)
}

// Request is the input to one generation
type Request struct {
	SystemPrompt string
	Messages     []Message
}

// Generator opens a stream of reply text
type Generator interface {
	Stream(ctx context.Context, req Request) (DeltaStream, error)
}

// DeltaStream yields incremental reply text
type DeltaStream interface {
	// Recv returns the next text delta, or io.EOF once the reply is complete
	Recv(ctx context.Context) (string, error)

	// Close cancels the upstream request. It is safe to call more than once.
	Close() error
}

// FromHistory converts stored turns into chat messages. User turns become
// user messages and agent turns assistant messages; anything else is skipped.
func FromHistory(turns []conversation.Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, Message{Role: RoleUser, Content: t.Content})
		case conversation.RoleAgent:
			msgs = append(msgs, Message{Role: RoleAssistant, Content: t.Content})
		}
	}
	return msgs
}
