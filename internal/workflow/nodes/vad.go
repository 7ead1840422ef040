package nodes

import (
	"context"
	"fmt"

	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/audio"
	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
)

// vadNode segments the inbound PCM stream into utterances.
//
// Ports:
//
//	in  audio_in       {"pcm": []byte}
//	out speech_active  {} emitted once per utterance when speech starts
//	out speech_segment {"pcm": []byte, "sample_rate": int}
type vadNode struct {
	name string
	deps Deps
	cfg  vad.Config
}

func newVADNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.VAD == nil {
		return nil, fmt.Errorf("nodes: vad node %q: no detector configured", cfg.Name)
	}
	vcfg := vad.Config{
		SampleRate:      deps.SampleRate,
		FrameDurationMs: deps.FrameDurationMs,
	}
	if v, ok := cfg.Params["speech_threshold"].(float64); ok {
		vcfg.SpeechThreshold = v
	}
	if v, ok := cfg.Params["silence_hangover_ms"].(int); ok {
		vcfg.SilenceHangoverMs = v
	}
	if v, ok := cfg.Params["max_utterance_ms"].(int); ok {
		vcfg.MaxUtteranceMs = v
	}
	return &vadNode{name: cfg.Name, deps: deps, cfg: vcfg}, nil
}

func (n *vadNode) Name() string { return n.name }

func (n *vadNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	session, err := n.deps.VAD.NewSession(n.cfg)
	if err != nil {
		return fmt.Errorf("nodes: vad session: %w", err)
	}
	defer session.Close()

	active := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("audio_in"):
			frame := audio.BytesToInt16s(c.Bytes("pcm"))
			if len(frame) == 0 {
				continue
			}
			ev, err := session.ProcessFrame(frame)
			if err != nil {
				rt.Log().Warn("vad frame failed", "err", err)
				continue
			}
			if ev.Active && !active {
				active = true
				if err := rt.Emit(ctx, "speech_active", workflow.Chunk{}); err != nil {
					return err
				}
			}
			if ev.SpeechEnded {
				active = false
				if len(ev.Speech) == 0 {
					continue
				}
				out := workflow.Chunk{
					"pcm":         ev.Speech,
					"sample_rate": n.cfg.SampleRate,
				}
				if err := rt.Emit(ctx, "speech_segment", out); err != nil {
					return err
				}
			}
		}
	}
}
