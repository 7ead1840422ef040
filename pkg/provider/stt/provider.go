// Package stt defines the speech-to-text capability contract.
//
// Transcription is segment-oriented: upstream voice-activity detection cuts
// the audio stream into utterances, and each finished utterance is submitted
// as one batch transcription call.
package stt

import "context"

// Provider is the speech-to-text capability. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Transcribe converts one finished audio segment into text. An empty
	// Text with a nil error means the segment contained no speech.
	Transcribe(ctx context.Context, segment AudioSegment) (*Transcript, error)
}
