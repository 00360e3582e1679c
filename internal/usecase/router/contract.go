package router

import (
	"context"

	"github.com/loom-cloud/loomd/internal/domain"
)

// ChatClient is the per-provider chat adapter contract.
type ChatClient interface {
	// Chat issues a single-shot call and returns the raw response text.
	Chat(ctx context.Context, req domain.ChatRequest) (string, error)
	// ChatStream issues a streaming call and returns a forward-only channel
	// of text deltas. The channel is closed when the stream ends; a chunk
	// with a non-nil Err is terminal.
	ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error)
}
