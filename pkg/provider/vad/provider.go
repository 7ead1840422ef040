// Package vad defines the voice-activity-detection capability contract.
//
// A VAD session consumes fixed-size PCM frames and segments them into
// utterances: it accumulates speech audio while the speaker is active and
// reports a SpeechEnded event once trailing silence exceeds the configured
// hangover. Each inbound audio stream gets its own session so detector state
// stays correct across consecutive frames.
package vad

// Detector creates VAD sessions.
type Detector interface {
	// NewSession creates a fresh detection session for one audio stream.
	NewSession(cfg Config) (Session, error)
}

// Session is a stateful per-stream detector. Not safe for concurrent use;
// feed it from a single goroutine.
type Session interface {
	// ProcessFrame analyses one PCM frame and returns the detection event
	// for it. Frames must match the sample rate and frame duration from the
	// session Config.
	ProcessFrame(pcm []int16) (Event, error)

	// Reset clears accumulated speech and silence state.
	Reset()

	// Close releases session resources.
	Close() error
}
