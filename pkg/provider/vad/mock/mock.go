// Package mock provides a scripted vad.Detector for tests.
package mock

import (
	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
)

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

// Detector creates sessions that treat every frame as speech and close the
// utterance after FramesPerUtterance frames.
type Detector struct {
	// FramesPerUtterance controls how many frames accumulate before a
	// SpeechEnded event fires. Defaults to 3.
	FramesPerUtterance int
}

// New creates a mock Detector.
func New() *Detector {
	return &Detector{FramesPerUtterance: 3}
}

// NewSession implements vad.Detector.
func (d *Detector) NewSession(_ vad.Config) (vad.Session, error) {
	n := d.FramesPerUtterance
	if n <= 0 {
		n = 3
	}
	return &session{framesPerUtterance: n}, nil
}

type session struct {
	framesPerUtterance int
	frames             int
	buffer             []byte
}

func (s *session) ProcessFrame(pcm []int16) (vad.Event, error) {
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		b[i*2] = byte(v)
		b[i*2+1] = byte(v >> 8)
	}
	s.buffer = append(s.buffer, b...)
	s.frames++
	if s.frames >= s.framesPerUtterance {
		speech := s.buffer
		s.buffer = nil
		s.frames = 0
		return vad.Event{Speech: speech, Active: true, SpeechEnded: true}, nil
	}
	return vad.Event{Active: true}, nil
}

func (s *session) Reset() {
	s.buffer = nil
	s.frames = 0
}

func (s *session) Close() error {
	s.Reset()
	return nil
}
