// Package llm defines the chat-completion capability contract.
//
// Implementations wrap a concrete model backend (OpenAI, a multi-provider
// router, a test double) behind two operations: a synchronous completion and
// a streaming completion. Streaming responses are delivered as [Chunk] values;
// the end of a logical response is signalled in-band by a chunk whose Text is
// the empty string, so the same stream can be fanned out to several consumers
// without relying on channel closure.
package llm

import "context"

// Provider is the chat-completion capability. Implementations must be safe
// for concurrent use; a single Provider is shared by every session bound to
// the same model configuration.
type Provider interface {
	// Complete performs a blocking chat completion and returns the full
	// response. An empty Content with a nil error is a valid "no output"
	// result.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion starts a streaming chat completion. The returned
	// channel yields text chunks as they arrive and is closed after the end
	// sentinel (a Chunk with empty Text and non-empty FinishReason) has been
	// delivered. Errors that occur mid-stream surface as a final chunk with
	// FinishReason "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the token footprint of messages for the
	// provider's model. The estimate must be deterministic and monotonic in
	// total character volume.
	CountTokens(messages []Message) (int, error)
}
