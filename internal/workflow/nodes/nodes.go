// Package nodes provides the built-in node types of the session graph:
// voice activity detection, speech recognition, barge-in control, the LLM
// agent, response routing, speech synthesis and chat persistence.
//
// Chunks use a small shared vocabulary of keys: "text", "pcm",
// "sample_rate", "emotion", "generation", "event", "opus". Text streams end
// with an empty-text sentinel chunk.
package nodes

import (
	"fmt"

	"github.com/vocalia-ai/vocalia/internal/chatrecord"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
)

// generationKey is the shared barge-in counter. Every accepted user input
// bumps it; streaming stages drop output tagged with an older generation.
const generationKey = "generation"

// Deps bundles the per-session collaborators the node factory closes over.
type Deps struct {
	LLM    llm.Provider
	TTS    tts.Provider
	STT    stt.Provider
	VAD    vad.Detector
	Record *chatrecord.Manager
	User   *userdata.UserData
	Voice  tts.VoiceProfile

	SampleRate      int
	FrameDurationMs int
}

// Factory returns the workflow.NodeFactory for the built-in node types.
func Factory(deps Deps) workflow.NodeFactory {
	return func(cfg workflow.NodeConfig) (workflow.Node, error) {
		switch cfg.Type {
		case "vad":
			return newVADNode(cfg, deps)
		case "stt":
			return newSTTNode(cfg, deps)
		case "interrupt":
			return newInterruptNode(cfg, deps)
		case "agent":
			return newAgentNode(cfg, deps)
		case "post_route":
			return newPostRouteNode(cfg, deps)
		case "tts":
			return newTTSNode(cfg, deps)
		case "chat_record":
			return newRecordNode(cfg, deps)
		default:
			return nil, fmt.Errorf("nodes: unknown node type %q", cfg.Type)
		}
	}
}
