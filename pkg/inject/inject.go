// Package inject is the conversational-AI collaborator: it keeps one
// transcript per session key and turns inbound messages into model replies.
// Serialization within a session happens here, not in the transport or
// orchestrator — two concurrent events on the same channel share one
// transcript and take turns.
package inject

import "context"

// Meta carries the sender and channel context alongside a message.
type Meta struct {
	From    string
	Channel string
}

// Message is one transcript entry. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider completes a transcript with a model reply.
type Provider interface {
	Chat(ctx context.Context, system string, messages []Message, model string, maxTokens int) (string, error)
}
