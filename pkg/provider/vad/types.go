package vad

// Config tunes a VAD session.
type Config struct {
	// SampleRate of the inbound PCM in Hz.
	SampleRate int

	// FrameDurationMs is the duration of each frame passed to ProcessFrame.
	FrameDurationMs int

	// SpeechThreshold is the activation level above which a frame counts as
	// speech. For energy detectors this is an RMS level in 16-bit PCM units.
	SpeechThreshold float64

	// SilenceHangoverMs is the trailing-silence duration that closes an
	// utterance once speech has been observed.
	SilenceHangoverMs int

	// MaxUtteranceMs force-closes an utterance that exceeds this duration.
	// Zero disables the cap.
	MaxUtteranceMs int
}

// Event is the result of processing one frame.
type Event struct {
	// Speech holds the accumulated utterance PCM (16-bit little-endian)
	// when SpeechEnded is true; nil otherwise.
	Speech []byte

	// Active reports whether the current frame was classified as speech.
	Active bool

	// SpeechEnded is true when this frame closed an utterance.
	SpeechEnded bool
}
