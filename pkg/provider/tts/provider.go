// Package tts defines the text-to-speech capability contract.
//
// Synthesis is stream-in, stream-out: the caller feeds sentence fragments on
// a channel and receives a mixed stream of audio chunks and status events.
// Closing the text channel flushes the synthesizer and ends the result
// stream.
package tts

import "context"

// Provider is the text-to-speech capability. Implementations must be safe
// for concurrent use; each SynthesizeStream call is an independent stream.
type Provider interface {
	// SynthesizeStream synthesizes speech for each text fragment received on
	// text. The returned channel interleaves audio chunks with status events
	// and is closed after synthesis completes or ctx is cancelled.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan Result, error)
}
