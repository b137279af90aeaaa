// Package llm defines the Provider interface for the chat-completion backend
// behind the escalation oracle.
//
// The detection core never calls a model. When a pipeline run asks for
// escalation, the caller-side oracle (internal/escalate) builds a prompt from
// the transcript window and the session context hint and sends it through a
// Provider. Implementations must be safe for concurrent use.
package llm

import "context"

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the prompt.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest carries the prompt. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages with the system role.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]. Zero selects the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero selects the provider default.
	MaxTokens int
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID names the model, for logs and metrics.
	ModelID() string
}
