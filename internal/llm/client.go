// Package llm talks to chat models. Providers adapt their wire formats
// to the neutral Message and ChatResponse types at the boundary, so the
// agent never sees provider specifics.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends the conversation and tool definitions and returns the
	// model's next message.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
