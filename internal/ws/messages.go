package ws

import "encoding/json"

// clientMessage is the union of all inbound JSON frames. Type selects which
// fields are meaningful.
type clientMessage struct {
	Type        string          `json:"type"`
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *audioParams    `json:"audio_params,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	AgentID     int64           `json:"agent_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	State       string          `json:"state,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Text        string          `json:"text,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

type helloMessage struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	AudioParams audioParams `json:"audio_params"`
}

type ttsMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

type llmMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

type errorMessage struct {
	Type    string         `json:"type"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
