package nodes

import (
	"context"
	"strings"

	"github.com/vocalia-ai/vocalia/internal/workflow"
)

// postRouteNode fans the agent's token stream out to its two consumers: the
// raw stream goes to chat persistence unchanged, and a sentence-assembled
// stream feeds synthesis and the client subtitle path. The end sentinel
// flushes any partial sentence and is forwarded on both ports.
//
// Ports:
//
//	in  text_stream     {"text", "emotion", "generation"}
//	out record_stream   raw pass-through
//	out sentence_stream {"text": sentence, "emotion", "generation"}
type postRouteNode struct {
	name string
}

func newPostRouteNode(cfg workflow.NodeConfig, _ Deps) (workflow.Node, error) {
	return &postRouteNode{name: cfg.Name}, nil
}

func (n *postRouteNode) Name() string { return n.name }

func (n *postRouteNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	var buf strings.Builder
	var emotion string

	flush := func(gen int64) error {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return nil
		}
		return rt.Emit(ctx, "sentence_stream", workflow.Chunk{
			"text":       text,
			"emotion":    emotion,
			"generation": gen,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("text_stream"):
			if err := rt.Emit(ctx, "record_stream", c); err != nil {
				return err
			}
			gen := c.Int64("generation")
			if e := c.Str("emotion"); e != "" {
				emotion = e
			}

			if c.Str("text") == "" {
				if err := flush(gen); err != nil {
					return err
				}
				if err := rt.Emit(ctx, "sentence_stream", workflow.Chunk{
					"text":       "",
					"generation": gen,
				}); err != nil {
					return err
				}
				emotion = ""
				continue
			}

			buf.WriteString(c.Str("text"))
			sentences, rest := splitSentences(buf.String())
			buf.Reset()
			buf.WriteString(rest)
			for _, s := range sentences {
				if err := rt.Emit(ctx, "sentence_stream", workflow.Chunk{
					"text":       s,
					"emotion":    emotion,
					"generation": gen,
				}); err != nil {
					return err
				}
			}
		}
	}
}

// splitSentences cuts complete sentences off the front of s and returns them
// with the unfinished remainder. A sentence ends at terminal punctuation,
// Western or CJK, or at a newline. Whitespace-only sentences are dropped.
func splitSentences(s string) (sentences []string, rest string) {
	start := 0
	runes := []rune(s)
	for i, r := range runes {
		if !isSentenceEnd(r) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	return sentences, string(runes[start:])
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '。', '！', '？', '；', '…':
		return true
	}
	return false
}
