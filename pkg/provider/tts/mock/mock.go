// Package mock provides a deterministic tts.Provider for tests.
package mock

import (
	"context"

	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider synthesizes each text fragment as a fixed-size silent PCM chunk
// bracketed by sentence events. Useful for exercising the audio pipeline
// without a network dependency.
type Provider struct {
	// ChunkBytes is the size of the PCM chunk emitted per fragment.
	// Defaults to 640 (20 ms of 16 kHz mono 16-bit audio).
	ChunkBytes int
}

// New creates a mock Provider.
func New() *Provider {
	return &Provider{ChunkBytes: 640}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan tts.Result, error) {
	size := p.ChunkBytes
	if size <= 0 {
		size = 640
	}

	results := make(chan tts.Result, 16)
	go func() {
		defer close(results)
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					return
				}
				if sentence == "" {
					continue
				}
				out := []tts.Result{
					{Event: tts.EventSentenceStart, Text: sentence},
					{Audio: make([]byte, size)},
					{Event: tts.EventSentenceEnd, Text: sentence},
				}
				for _, r := range out {
					select {
					case results <- r:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return results, nil
}
