// Package model defines the LLM collaborator interface consumed by specialist
// agents. Providers live in subpackages; orchestration code depends only on
// this package.
package model

import "context"

// Role identifies the author of a message.
type Role string

// Role values.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversational input to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request is a single generation request.
type Request struct {
	// System is an optional instruction prepended to the conversation.
	System string
	// Messages is the conversation so far, oldest first.
	Messages []Message
	// Temperature overrides the provider default when non-nil.
	Temperature *float64
	// MaxTokens caps the completion length; 0 uses the provider default.
	MaxTokens int
}

// Response is the non-streaming result of a generation.
type Response struct {
	// Text is the assistant's reply.
	Text string
	// TokensUsed is the total token count billed for the call.
	TokensUsed int
}

// Info describes a model implementation.
type Info struct {
	Name     string
	Provider string
}

// Model generates one reply per request. Implementations must be safe for
// concurrent use; a turn makes at most one in-flight call at a time.
type Model interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Info() Info
}
