package resilience

import (
	"context"

	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream opens a synthesis stream against the first healthy
// provider. Only the stream setup is covered by failover; mid-stream errors
// are the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Result, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan tts.Result, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
