package llm

// Message is a single chat message in provider-neutral form.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest describes one chat-completion call.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// SystemPrompt, when non-empty, is prepended as a system message.
	SystemPrompt string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// TopP controls nucleus sampling. Zero means provider default.
	TopP float64
}

// Chunk is one streamed fragment of a completion.
type Chunk struct {
	// Text is the incremental completion text. The empty string is the
	// end-of-turn sentinel.
	Text string

	// FinishReason is non-empty on the terminating chunk ("stop", "length",
	// "error", ...).
	FinishReason string
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a blocking completion.
type CompletionResponse struct {
	Content string
	Usage   Usage
}
