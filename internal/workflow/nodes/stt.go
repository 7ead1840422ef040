package nodes

import (
	"context"
	"fmt"

	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/audio"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
)

// sttNode transcribes finished utterances.
//
// Ports:
//
//	in  speech_segment {"pcm": []byte, "sample_rate": int}
//	out transcript     {"text", "emotion", "confidence", "source": "voice"}
type sttNode struct {
	name string
	deps Deps
}

func newSTTNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.STT == nil {
		return nil, fmt.Errorf("nodes: stt node %q: no provider configured", cfg.Name)
	}
	return &sttNode{name: cfg.Name, deps: deps}, nil
}

func (n *sttNode) Name() string { return n.name }

func (n *sttNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("speech_segment"):
			rate := int(c.Int64("sample_rate"))
			if rate == 0 {
				rate = n.deps.SampleRate
			}
			transcript, err := n.deps.STT.Transcribe(ctx, stt.AudioSegment{
				PCM:        c.Bytes("pcm"),
				SampleRate: rate,
				Channels:   audio.Channels,
			})
			if err != nil {
				rt.Log().Warn("transcription failed", "err", err)
				continue
			}
			if transcript.Text == "" {
				continue
			}
			out := workflow.Chunk{
				"text":       transcript.Text,
				"emotion":    transcript.Emotion,
				"confidence": transcript.Confidence,
				"source":     "voice",
			}
			if err := rt.Emit(ctx, "transcript", out); err != nil {
				return err
			}
		}
	}
}
