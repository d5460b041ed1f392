// Package llm adapts hosted chat-completion APIs to one provider-neutral
// conversation model with tool calling.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/tools"
)

const DefaultMaxTokens = 8192

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one turn of the conversation. Tool results travel in user messages.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Conversation is the running transcript sent on every completion request.
type Conversation struct {
	System   string
	Messages []Message
	Tools    []tools.Definition
}

// NewConversation starts a conversation with the task prompt.
func NewConversation(system, prompt string, defs []tools.Definition) *Conversation {
	c := &Conversation{System: system, Tools: defs}
	c.AddUser(prompt)
	return c
}

// AddUser appends a user text message.
func (c *Conversation) AddUser(text string) {
	c.Messages = append(c.Messages, Message{Role: RoleUser, Text: text})
}

// AddAssistant appends the model's reply.
func (c *Conversation) AddAssistant(text string, calls []ToolCall) {
	c.Messages = append(c.Messages, Message{Role: RoleAssistant, Text: text, ToolCalls: calls})
}

// AddToolResults appends tool results in the order they were requested.
func (c *Conversation) AddToolResults(results []ToolResult) {
	c.Messages = append(c.Messages, Message{Role: RoleUser, ToolResults: results})
}

// StopReason is why the model ended its reply.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Response is one completion.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Stop      StopReason
	Usage     models.Usage
}

// Client is a hosted chat-completion API.
type Client interface {
	Name() string
	Model() string
	Complete(ctx context.Context, conv *Conversation) (Response, error)
}

// APIError is a transport or protocol failure from a provider.
type APIError struct {
	Provider string
	Err      error
}

func (e *APIError) Error() string { return fmt.Sprintf("%s API call: %v", e.Provider, e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

func apiError(provider string, err error) error {
	return &APIError{Provider: provider, Err: err}
}

// decodeArgs parses a JSON object of tool arguments. Malformed arguments
// become an empty input so the sandbox reports the missing fields.
func decodeArgs(raw []byte) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{}
	}
	return args
}

func encodeArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
