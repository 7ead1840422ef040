package stt

// AudioSegment is one finished utterance of raw 16-bit little-endian signed
// PCM audio.
type AudioSegment struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Transcript is the result of transcribing one segment.
type Transcript struct {
	Text string

	// Confidence is the recognizer's confidence in [0,1]. Providers that do
	// not report confidence use 1.0.
	Confidence float64

	// Emotion is an optional paralinguistic label ("neutral" when the
	// provider does not classify emotion).
	Emotion string
}
