package nodes

import (
	"context"
	"fmt"

	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/audio"
	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
)

// ttsNode synthesizes each response. The first sentence of a response opens
// a synthesis stream; the end sentinel closes it and the node waits for the
// remaining audio before accepting the next response, so utterances never
// interleave. Synthesized PCM is repackaged into fixed-duration opus frames.
//
// Audio belonging to a superseded generation is dropped at emission, which
// is what makes barge-in sound immediate to the client.
//
// Ports:
//
//	in  sentence_stream {"text", "emotion", "generation"}
//	out audio_stream    {"opus": []byte, "generation"}
//	out tts_status      {"event", "text", "generation"}
type ttsNode struct {
	name string
	deps Deps
}

func newTTSNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.TTS == nil {
		return nil, fmt.Errorf("nodes: tts node %q: no provider configured", cfg.Name)
	}
	return &ttsNode{name: cfg.Name, deps: deps}, nil
}

func (n *ttsNode) Name() string { return n.name }

func (n *ttsNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	var textCh chan string
	var done chan struct{}
	var gen int64

	closeStream := func() {
		if textCh == nil {
			return
		}
		close(textCh)
		textCh = nil
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	defer closeStream()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("sentence_stream"):
			chunkGen := c.Int64("generation")

			if c.Str("text") == "" {
				closeStream()
				continue
			}
			if rt.Globals().GetInt(generationKey) != chunkGen {
				// Stale sentence from an aborted response.
				closeStream()
				continue
			}
			if textCh != nil && gen != chunkGen {
				closeStream()
			}

			if textCh == nil {
				ch := make(chan string, 16)
				results, err := n.deps.TTS.SynthesizeStream(ctx, ch, n.deps.Voice)
				if err != nil {
					rt.Log().Error("synthesis start failed", "err", err)
					close(ch)
					continue
				}
				textCh = ch
				done = make(chan struct{})
				gen = chunkGen
				go n.forward(ctx, rt, results, chunkGen, done)
			}

			select {
			case textCh <- c.Str("text"):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// forward drains one synthesis stream: PCM is repackaged to opus frames on
// audio_stream, provider events pass through on tts_status, bracketed by
// start and stop events for the client.
func (n *ttsNode) forward(ctx context.Context, rt *workflow.Runtime, results <-chan tts.Result, gen int64, done chan struct{}) {
	defer close(done)

	emitStatus := func(event tts.Event, text string) {
		_ = rt.Emit(ctx, "tts_status", workflow.Chunk{
			"event":      string(event),
			"text":       text,
			"generation": gen,
		})
	}
	emitStatus(tts.EventStart, "")

	pack, err := audio.NewRepackager(n.deps.SampleRate, n.deps.FrameDurationMs)
	if err != nil {
		rt.Log().Error("opus repackager init failed", "err", err)
		emitStatus(tts.EventStop, "")
		return
	}

	emitFrames := func(frames [][]byte) {
		if rt.Globals().GetInt(generationKey) != gen {
			return
		}
		for _, frame := range frames {
			if err := rt.Emit(ctx, "audio_stream", workflow.Chunk{
				"opus":       frame,
				"generation": gen,
			}); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				if frame, err := pack.Flush(); err == nil && frame != nil {
					emitFrames([][]byte{frame})
				}
				emitStatus(tts.EventStop, "")
				return
			}
			if r.Event != "" {
				emitStatus(r.Event, r.Text)
			}
			if len(r.Audio) > 0 {
				frames, err := pack.Push(r.Audio)
				if err != nil {
					rt.Log().Warn("opus encode failed", "err", err)
					continue
				}
				emitFrames(frames)
			}
		}
	}
}
