package tts

// VoiceProfile identifies a synthesis voice at a specific provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the backing service ("elevenlabs", "mock", ...).
	Provider string

	// Emotion is an optional style hint forwarded to providers that
	// support it.
	Emotion string

	// Metadata carries provider-specific voice attributes.
	Metadata map[string]string
}

// Event is a synthesis lifecycle marker.
type Event string

const (
	// EventStart marks the beginning of synthesis for a turn.
	EventStart Event = "start"

	// EventStop marks the end of synthesis for a turn.
	EventStop Event = "stop"

	// EventSentenceStart marks the beginning of one sentence's audio.
	EventSentenceStart Event = "sentence_start"

	// EventSentenceEnd marks the end of one sentence's audio.
	EventSentenceEnd Event = "sentence_end"
)

// Result is one element of a synthesis stream: either an audio chunk
// (Audio non-nil) or a status event (Event non-empty). Text carries the
// sentence being spoken on sentence events.
type Result struct {
	Audio []byte
	Event Event
	Text  string
}
