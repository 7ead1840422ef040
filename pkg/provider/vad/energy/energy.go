// Package energy provides an RMS-energy voice activity detector.
//
// Frames whose root-mean-square energy exceeds the configured threshold are
// classified as speech. Leading silence is discarded; once speech starts,
// audio (including embedded pauses) accumulates until the trailing silence
// exceeds the hangover, at which point the utterance is emitted.
package energy

import (
	"errors"
	"math"

	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
)

// defaultRMSThreshold is the RMS level (in 16-bit PCM units, max 32767)
// below which audio is considered silent. 300 corresponds to near-silence.
const defaultRMSThreshold = 300.0

const (
	defaultSampleRate      = 16000
	defaultFrameDurationMs = 60
	defaultHangoverMs      = 500
	defaultMaxUtteranceMs  = 15_000
)

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

// Detector creates energy-based VAD sessions.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// NewSession implements vad.Detector.
func (d *Detector) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.SampleRate < 0 {
		return nil, errors.New("energy: sample rate must be positive")
	}
	if cfg.FrameDurationMs <= 0 {
		cfg.FrameDurationMs = defaultFrameDurationMs
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultRMSThreshold
	}
	if cfg.SilenceHangoverMs <= 0 {
		cfg.SilenceHangoverMs = defaultHangoverMs
	}
	if cfg.MaxUtteranceMs < 0 {
		cfg.MaxUtteranceMs = defaultMaxUtteranceMs
	}
	return &session{cfg: cfg}, nil
}

// session implements vad.Session. State is confined to the calling goroutine.
type session struct {
	cfg       vad.Config
	buffer    []byte
	hadSpeech bool
	silenceMs int
	speechMs  int
}

// ProcessFrame implements vad.Session.
func (s *session) ProcessFrame(pcm []int16) (vad.Event, error) {
	if len(pcm) == 0 {
		return vad.Event{}, nil
	}

	rms := computeRMS(pcm)
	active := rms >= s.cfg.SpeechThreshold

	if active {
		s.hadSpeech = true
		s.silenceMs = 0
		s.buffer = append(s.buffer, int16sToBytes(pcm)...)
		s.speechMs += s.cfg.FrameDurationMs

		if s.cfg.MaxUtteranceMs > 0 && s.speechMs >= s.cfg.MaxUtteranceMs {
			return s.finish(true), nil
		}
		return vad.Event{Active: true}, nil
	}

	if !s.hadSpeech {
		// Leading silence is discarded.
		return vad.Event{}, nil
	}

	// Trailing or embedded silence after speech: keep buffering until the
	// hangover expires.
	s.buffer = append(s.buffer, int16sToBytes(pcm)...)
	s.silenceMs += s.cfg.FrameDurationMs
	if s.silenceMs >= s.cfg.SilenceHangoverMs {
		return s.finish(false), nil
	}
	return vad.Event{}, nil
}

// finish closes the current utterance and resets accumulation state.
func (s *session) finish(active bool) vad.Event {
	speech := s.buffer
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
	s.speechMs = 0
	return vad.Event{Speech: speech, Active: active, SpeechEnded: true}
}

// Reset implements vad.Session.
func (s *session) Reset() {
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
	s.speechMs = 0
}

// Close implements vad.Session.
func (s *session) Close() error {
	s.Reset()
	return nil
}

// computeRMS returns the root-mean-square energy of PCM samples, expressed
// in the same units as sample values (0–32767).
func computeRMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range pcm {
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
