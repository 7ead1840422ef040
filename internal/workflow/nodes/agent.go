package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vocalia-ai/vocalia/internal/template"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

// agentNode runs one LLM turn per user input: persist the user turn, build
// the prompt from the chat record, stream the completion and re-emit it as
// text chunks. A leading "[emotion]" tag in the reply is stripped and
// carried as chunk metadata instead.
//
// A response whose generation falls behind the shared counter is abandoned
// mid-stream; the sentinel still goes out so downstream state resets.
//
// Ports:
//
//	in  user_text            {"text", "emotion", "source", "generation"}
//	out response_text_stream {"text", "emotion", "generation"}; empty text ends the turn
type agentNode struct {
	name string
	deps Deps
}

func newAgentNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("nodes: agent node %q: no llm configured", cfg.Name)
	}
	if deps.Record == nil || deps.User == nil {
		return nil, fmt.Errorf("nodes: agent node %q: chat record and user data are required", cfg.Name)
	}
	return &agentNode{name: cfg.Name, deps: deps}, nil
}

func (n *agentNode) Name() string { return n.name }

func (n *agentNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("user_text"):
			if err := n.respond(ctx, rt, c); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (n *agentNode) respond(ctx context.Context, rt *workflow.Runtime, c workflow.Chunk) error {
	text := c.Str("text")
	gen := c.Int64("generation")

	n.deps.Record.AddUserText(ctx, text, c.Str("emotion"), "")

	req, err := n.buildRequest(text)
	if err != nil {
		rt.Log().Error("prompt build failed", "err", err)
		return n.emitSentinel(ctx, rt, gen)
	}

	stream, err := n.deps.LLM.StreamCompletion(ctx, req)
	if err != nil {
		rt.Log().Error("completion stream failed", "err", err)
		return n.emitSentinel(ctx, rt, gen)
	}

	parser := newTagParser()
	for chunk := range stream {
		if rt.Globals().GetInt(generationKey) != gen {
			go drainChunks(stream)
			rt.Log().Debug("response superseded, aborting stream", "generation", gen)
			return n.emitSentinel(ctx, rt, gen)
		}
		if chunk.Text == "" {
			if tail := parser.flush(); tail != "" {
				if err := n.emitText(ctx, rt, tail, parser.emotion, gen); err != nil {
					return err
				}
			}
			return n.emitSentinel(ctx, rt, gen)
		}
		out := parser.feed(chunk.Text)
		if out == "" {
			continue
		}
		if err := n.emitText(ctx, rt, out, parser.emotion, gen); err != nil {
			return err
		}
	}
	// Stream closed without a sentinel; end the turn anyway.
	if tail := parser.flush(); tail != "" {
		if err := n.emitText(ctx, rt, tail, parser.emotion, gen); err != nil {
			return err
		}
	}
	return n.emitSentinel(ctx, rt, gen)
}

func (n *agentNode) emitText(ctx context.Context, rt *workflow.Runtime, text, emotion string, gen int64) error {
	return rt.Emit(ctx, "response_text_stream", workflow.Chunk{
		"text":       text,
		"emotion":    emotion,
		"generation": gen,
	})
}

func (n *agentNode) emitSentinel(ctx context.Context, rt *workflow.Runtime, gen int64) error {
	return rt.Emit(ctx, "response_text_stream", workflow.Chunk{
		"text":       "",
		"generation": gen,
	})
}

// buildRequest renders the configured prompts against the agent's state and
// projects the chat record into an llm request.
func (n *agentNode) buildRequest(userText string) (llm.CompletionRequest, error) {
	u := n.deps.User

	vars := map[string]any{
		"assistant_name": u.AgentName,
		"user_name":      u.LoginName,
		"date":           time.Now().Format("2006-01-02"),
		"child_age":      u.ChildAge(),
		"memory":         memoryJSON(u.Memory("chat.long_term_memory")),
		"text":           userText,
	}

	system, err := template.Render(u.ConfigString("chat.system_prompt", ""), vars)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("render system prompt: %w", err)
	}
	userPrompt := userText
	if tmpl := u.ConfigString("chat.user_prompt", ""); tmpl != "" {
		if userPrompt, err = template.Render(tmpl, vars); err != nil {
			return llm.CompletionRequest{}, fmt.Errorf("render user prompt: %w", err)
		}
	}

	msgs := n.deps.Record.BuildContext(system, userPrompt)
	req := llm.CompletionRequest{
		Model:       u.ConfigString("chat.model", ""),
		MaxTokens:   u.ConfigInt("chat.max_tokens", 0),
		Temperature: floatConfig(u.Config("chat.temperature")),
		TopP:        floatConfig(u.Config("chat.top_p")),
	}
	if len(msgs) > 0 && msgs[0].Role == "system" {
		req.SystemPrompt = msgs[0].Content
		msgs = msgs[1:]
	}
	req.Messages = msgs
	return req, nil
}

func memoryJSON(v any) string {
	if v == nil {
		return "{}"
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func floatConfig(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// maxTagLen bounds how much reply text the parser holds back while deciding
// whether it starts with an emotion tag.
const maxTagLen = 32

// tagParser strips a leading "[emotion]" tag from a streamed reply. Text is
// withheld only while the tag decision is open.
type tagParser struct {
	buf     strings.Builder
	decided bool
	emotion string
}

func newTagParser() *tagParser {
	return &tagParser{}
}

// feed ingests streamed text and returns whatever may be forwarded now.
func (p *tagParser) feed(text string) string {
	if p.decided {
		return text
	}
	p.buf.WriteString(text)
	s := p.buf.String()

	if !strings.HasPrefix(s, "[") {
		p.decided = true
		p.buf.Reset()
		return s
	}
	if idx := strings.IndexByte(s, ']'); idx >= 0 {
		p.emotion = strings.ToLower(strings.TrimSpace(s[1:idx]))
		p.decided = true
		p.buf.Reset()
		return strings.TrimLeft(s[idx+1:], " ")
	}
	if len(s) > maxTagLen {
		// Too long for a tag; treat the bracket as reply text.
		p.decided = true
		p.buf.Reset()
		return s
	}
	return ""
}

// flush returns any withheld text when the stream ends mid-decision.
func (p *tagParser) flush() string {
	if p.decided {
		return ""
	}
	p.decided = true
	s := p.buf.String()
	p.buf.Reset()
	return s
}
