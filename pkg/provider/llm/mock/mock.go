// Package mock provides a scripted llm.Provider for tests and offline runs.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a scripted LLM. Each call pops the next queued response; when
// the queue is empty, Default is returned. Requests are recorded for
// assertions.
type Provider struct {
	mu        sync.Mutex
	responses []string
	// Default is returned when no scripted response remains.
	Default string
	// Err, when non-nil, is returned by Complete and StreamCompletion.
	Err error
	// Requests records every request received, in order.
	Requests []llm.CompletionRequest
	// StreamChunkSize splits streamed responses into chunks of this many
	// bytes. Zero streams the whole response as one chunk.
	StreamChunkSize int
	// StreamDelay pauses between streamed chunks, approximating a model
	// that produces tokens over time.
	StreamDelay time.Duration
}

// New creates a mock Provider that replies with the given responses in order.
func New(responses ...string) *Provider {
	return &Provider{responses: responses, Default: "ok"}
}

// Enqueue appends a scripted response.
func (p *Provider) Enqueue(response string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, response)
}

func (p *Provider) next(req llm.CompletionRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.responses) == 0 {
		return p.Default
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return &llm.CompletionResponse{Content: p.next(req)}, nil
}

// StreamCompletion implements llm.Provider. The response is split into
// chunks and terminated with the empty-text sentinel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	text := p.next(req)

	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)
		size := p.StreamChunkSize
		if size <= 0 {
			size = len(text)
		}
		for i := 0; i < len(text); i += size {
			if p.StreamDelay > 0 {
				select {
				case <-time.After(p.StreamDelay):
				case <-ctx.Done():
					return
				}
			}
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			select {
			case ch <- llm.Chunk{Text: text[i:end]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{Text: "", FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// CountTokens implements llm.Provider with the chars/4 approximation.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}
