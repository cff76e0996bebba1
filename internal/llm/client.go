// Package llm provides the chat completion client used to grade quoted
// conversations.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is the interface a completion provider must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The call is single-attempt: callers decide what a failure means,
	// this layer never retries.
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}

// Message is a chat message in the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral result of a completion call.
type ChatResponse struct {
	Model   string
	Content string

	// Token usage as reported by the provider.
	PromptTokens     int
	CompletionTokens int
}
