// Package mock provides a scripted stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider returns scripted transcripts in order; when exhausted, Default is
// returned. Segments are recorded for assertions.
type Provider struct {
	mu          sync.Mutex
	transcripts []string
	// Default is returned when no scripted transcript remains.
	Default string
	// Err, when non-nil, is returned by Transcribe.
	Err error
	// Segments records every segment received, in order.
	Segments []stt.AudioSegment
}

// New creates a mock Provider that replies with the given texts in order.
func New(texts ...string) *Provider {
	return &Provider{transcripts: texts, Default: "hello"}
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, segment stt.AudioSegment) (*stt.Transcript, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Segments = append(p.Segments, segment)
	text := p.Default
	if len(p.transcripts) > 0 {
		text = p.transcripts[0]
		p.transcripts = p.transcripts[1:]
	}
	return &stt.Transcript{Text: text, Confidence: 1.0, Emotion: "neutral"}, nil
}
