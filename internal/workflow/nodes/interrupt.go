package nodes

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vocalia-ai/vocalia/internal/template"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

// classifyMaxTokens caps the intent classification reply. The model returns
// one small JSON object, nothing more.
const classifyMaxTokens = 64

// interruptPolicy are the barge-in tunables, read from the agent config
// under function_settings.interrupt_policy.
type interruptPolicy struct {
	enabled              bool
	minConfidence        float64
	maxQueueLen          int
	queueTimeout         time.Duration
	minInterruptInterval time.Duration
}

func policyFromConfig(u *userdata.UserData) interruptPolicy {
	p := interruptPolicy{
		enabled:              true,
		minConfidence:        0.5,
		maxQueueLen:          8,
		queueTimeout:         10 * time.Second,
		minInterruptInterval: 800 * time.Millisecond,
	}
	if u == nil {
		return p
	}
	const base = "function_settings.interrupt_policy."
	p.enabled = u.ConfigBool(base+"enabled", p.enabled)
	if v, ok := u.Config(base + "min_confidence").(float64); ok {
		p.minConfidence = v
	}
	if v := u.ConfigInt(base+"max_queue_len", 0); v > 0 {
		p.maxQueueLen = v
	}
	if v, ok := u.Config(base + "queue_timeout_sec").(float64); ok {
		p.queueTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := u.Config(base + "min_interrupt_interval_sec").(float64); ok {
		p.minInterruptInterval = time.Duration(v * float64(time.Second))
	}
	return p
}

// pendingInput is one queued user utterance awaiting the end of synthesis.
type pendingInput struct {
	chunk workflow.Chunk
	ts    time.Time
}

// interruptNode is the barge-in controller. While synthesis is idle, user
// input passes straight through to the agent. While the assistant is
// speaking, each recognized utterance is classified against the current
// exchange: "interrupt" bumps the shared generation counter (abandoning the
// in-flight response) and forwards the utterance, "ignore" drops it, and
// "wait" queues it until the tts stop event, after which only the newest
// queued utterance is delivered. Interrupts are rate limited; a hit degrades
// the utterance to wait.
//
// The classification prompts come from the node params (system_prompt,
// user_prompt); without them, or without an LLM, everything during synthesis
// waits. Client abort requests bump the counter unconditionally.
//
// Ports:
//
//	in  transcript      {"text", "confidence", "emotion", "source"}
//	in  client_text     {"text", "source"}
//	in  speech_active   {}
//	in  tts_status      {"event", "text"}
//	in  sentence_stream {"text"}
//	in  abort           {}
//	out user_text       {"text", "emotion", "source", "generation"}
type interruptNode struct {
	name         string
	deps         Deps
	policy       interruptPolicy
	systemPrompt string
	userPrompt   string

	ttsActive       bool
	currentSentence string
	lastQuestion    string
	responseSoFar   strings.Builder
	pending         []pendingInput
	lastInterrupt   time.Time
}

func newInterruptNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	n := &interruptNode{
		name:   cfg.Name,
		deps:   deps,
		policy: policyFromConfig(deps.User),
	}
	n.systemPrompt, _ = cfg.Params["system_prompt"].(string)
	n.userPrompt, _ = cfg.Params["user_prompt"].(string)
	return n, nil
}

func (n *interruptNode) Name() string { return n.name }

func (n *interruptNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("transcript"):
			if err := n.handleInput(ctx, rt, c); err != nil {
				return err
			}
		case c := <-rt.In("client_text"):
			if err := n.handleInput(ctx, rt, c); err != nil {
				return err
			}
		case <-rt.In("speech_active"):
			// Speech onset alone does not interrupt; the decision waits
			// for the transcript.
		case c := <-rt.In("tts_status"):
			if err := n.handleTTSStatus(ctx, rt, c); err != nil {
				return err
			}
		case c := <-rt.In("sentence_stream"):
			if text := strings.TrimSpace(c.Str("text")); text != "" {
				if n.responseSoFar.Len() > 0 {
					n.responseSoFar.WriteByte(' ')
				}
				n.responseSoFar.WriteString(text)
			}
		case <-rt.In("abort"):
			rt.Globals().BumpInt(generationKey)
			rt.Log().Debug("response aborted by client")
		}
	}
}

func (n *interruptNode) handleInput(ctx context.Context, rt *workflow.Runtime, c workflow.Chunk) error {
	text := strings.TrimSpace(c.Str("text"))
	if text == "" {
		return nil
	}

	if !n.policy.enabled || !n.ttsActive {
		return n.forward(ctx, rt, c)
	}

	if conf := c.Float("confidence"); conf > 0 && conf < n.policy.minConfidence {
		rt.Log().Debug("low-confidence utterance during synthesis dropped",
			"confidence", conf)
		return nil
	}

	label := n.classify(ctx, rt, text, c.Float("confidence"))
	switch label {
	case "interrupt":
		if time.Since(n.lastInterrupt) < n.policy.minInterruptInterval {
			rt.Log().Debug("interrupt rate limit hit, queueing utterance")
			n.enqueue(rt, c)
			return nil
		}
		n.lastInterrupt = time.Now()
		return n.forward(ctx, rt, c)
	case "ignore":
		rt.Log().Debug("utterance ignored during synthesis", "text", text)
		return nil
	default:
		n.enqueue(rt, c)
		return nil
	}
}

func (n *interruptNode) handleTTSStatus(ctx context.Context, rt *workflow.Runtime, c workflow.Chunk) error {
	switch c.Str("event") {
	case "start":
		n.ttsActive = true
		n.responseSoFar.Reset()
	case "stop":
		n.ttsActive = false
		return n.drainPending(ctx, rt)
	case "sentence_start":
		if text := strings.TrimSpace(c.Str("text")); text != "" {
			n.currentSentence = text
		}
	}
	return nil
}

// forward accepts one user input: the generation counter advances so
// streaming stages abandon the superseded response, and the input travels to
// the agent tagged with the new generation.
func (n *interruptNode) forward(ctx context.Context, rt *workflow.Runtime, c workflow.Chunk) error {
	text := strings.TrimSpace(c.Str("text"))
	n.lastQuestion = text
	gen := rt.Globals().BumpInt(generationKey)
	return rt.Emit(ctx, "user_text", workflow.Chunk{
		"text":       text,
		"emotion":    c.Str("emotion"),
		"source":     c.Str("source"),
		"generation": gen,
	})
}

func (n *interruptNode) enqueue(rt *workflow.Runtime, c workflow.Chunk) {
	if len(n.pending) >= n.policy.maxQueueLen {
		rt.Log().Warn("wait queue full, dropping oldest utterance")
		n.pending = n.pending[1:]
	}
	n.pending = append(n.pending, pendingInput{chunk: c, ts: time.Now()})
}

// drainPending runs at the end of synthesis: expired utterances are dropped
// and only the newest survivor is delivered.
func (n *interruptNode) drainPending(ctx context.Context, rt *workflow.Runtime) error {
	pending := n.pending
	n.pending = nil

	var newest *pendingInput
	for i := range pending {
		if time.Since(pending[i].ts) <= n.policy.queueTimeout {
			newest = &pending[i]
		}
	}
	if newest == nil {
		return nil
	}
	rt.Log().Debug("delivering queued utterance after synthesis",
		"queued", len(pending))
	return n.forward(ctx, rt, newest.chunk)
}

// classify asks the LLM whether the utterance is meant to interrupt the
// assistant. Anything short of a confident verdict degrades to wait, so a
// broken classifier never swallows user input.
func (n *interruptNode) classify(ctx context.Context, rt *workflow.Runtime, text string, confidence float64) string {
	if n.deps.LLM == nil || n.systemPrompt == "" || n.userPrompt == "" {
		return "wait"
	}
	if confidence == 0 {
		confidence = 1.0
	}

	vars := map[string]any{
		"user_text":           text,
		"user_question":       n.lastQuestion,
		"ai_response":         n.responseSoFar.String(),
		"ai_current_sentence": n.currentSentence,
		"asr_confidence":      confidence,
	}
	system, err := template.Render(n.systemPrompt, vars)
	if err != nil {
		rt.Log().Warn("render classify system prompt failed", "err", err)
		return "wait"
	}
	user, err := template.Render(n.userPrompt, vars)
	if err != nil {
		rt.Log().Warn("render classify user prompt failed", "err", err)
		return "wait"
	}

	resp, err := n.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: user}},
		MaxTokens:    classifyMaxTokens,
		Temperature:  1.0,
		TopP:         1.0,
	})
	if err != nil {
		rt.Log().Warn("intent classification failed", "err", err)
		return "wait"
	}
	return parseIntentLabel(resp.Content)
}

// parseIntentLabel extracts the verdict from the classifier reply. The
// expected shape is {"label": ..., "score": ...}; a reply that is not JSON
// is scanned for a bare label instead.
func parseIntentLabel(raw string) string {
	raw = strings.TrimSpace(raw)

	var parsed struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		switch parsed.Label {
		case "interrupt", "ignore", "wait":
			return parsed.Label
		}
	}

	lowered := strings.ToLower(raw)
	for _, label := range []string{"interrupt", "ignore", "wait"} {
		if strings.Contains(lowered, label) {
			return label
		}
	}
	return "wait"
}
