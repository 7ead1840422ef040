package nodes

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocalia-ai/vocalia/internal/chatrecord"
	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
	ttsmock "github.com/vocalia-ai/vocalia/pkg/provider/tts/mock"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in       string
		want     []string
		wantRest string
	}{
		{"", nil, ""},
		{"no boundary yet", nil, "no boundary yet"},
		{"Hello there. How are", []string{"Hello there."}, " How are"},
		{"One. Two! Three? tail", []string{"One.", "Two!", "Three?"}, " tail"},
		{"你好。还有呢", []string{"你好。"}, "还有呢"},
		{"line one\nline two", []string{"line one"}, "line two"},
		{"...", []string{".", ".", "."}, ""},
	}
	for _, tt := range tests {
		got, rest := splitSentences(tt.in)
		if rest != tt.wantRest {
			t.Errorf("splitSentences(%q) rest = %q, want %q", tt.in, rest, tt.wantRest)
		}
		if len(got) != len(tt.want) {
			t.Errorf("splitSentences(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitSentences(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTagParser(t *testing.T) {
	t.Run("tag in one chunk", func(t *testing.T) {
		p := newTagParser()
		out := p.feed("[happy] Hello!")
		if out != "Hello!" || p.emotion != "happy" {
			t.Errorf("out = %q, emotion = %q", out, p.emotion)
		}
		if got := p.feed(" More."); got != " More." {
			t.Errorf("post-decision text must pass through, got %q", got)
		}
	})

	t.Run("tag split across chunks", func(t *testing.T) {
		p := newTagParser()
		if out := p.feed("[sa"); out != "" {
			t.Errorf("undecided text must be withheld, got %q", out)
		}
		out := p.feed("d] oh no")
		if out != "oh no" || p.emotion != "sad" {
			t.Errorf("out = %q, emotion = %q", out, p.emotion)
		}
	})

	t.Run("no tag", func(t *testing.T) {
		p := newTagParser()
		if out := p.feed("Plain reply"); out != "Plain reply" || p.emotion != "" {
			t.Errorf("out = %q, emotion = %q", out, p.emotion)
		}
	})

	t.Run("oversized bracket is reply text", func(t *testing.T) {
		p := newTagParser()
		long := "[this is not an emotion tag, just text that keeps going"
		if out := p.feed(long); out != long {
			t.Errorf("out = %q", out)
		}
	})

	t.Run("flush returns withheld text", func(t *testing.T) {
		p := newTagParser()
		p.feed("[never closed")
		if got := p.flush(); got != "[never closed" {
			t.Errorf("flush = %q", got)
		}
	})
}

type fakeStorage struct {
	mu       sync.Mutex
	messages []store.ChatMessage
	clock    time.Time
}

func (f *fakeStorage) InsertChatMessage(_ context.Context, m *store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	m.CreatedAt = f.clock
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStorage) LatestCompressed(context.Context, int64, bool) (*store.CompressedMessage, error) {
	return nil, nil
}

func (f *fakeStorage) MessagesSince(context.Context, int64, time.Time, bool, int) ([]store.ChatMessage, error) {
	return nil, nil
}

func (f *fakeStorage) InsertCompressed(context.Context, *store.CompressedMessage) error {
	return nil
}

func (f *fakeStorage) rows() []store.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ChatMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// TestTextTurnThroughGraph runs the full text path: client text enters the
// interrupt controller, the agent streams a tagged reply, post_route splits
// sentences and the reply is both synthesized and persisted.
func TestTextTurnThroughGraph(t *testing.T) {
	cfg := &workflow.GraphConfig{
		Name: "chat-test",
		Nodes: []workflow.NodeConfig{
			{Name: "interrupt", Type: "interrupt"},
			{Name: "agent", Type: "agent"},
			{Name: "post_route", Type: "post_route"},
			{Name: "tts", Type: "tts"},
			{Name: "chat_record", Type: "chat_record"},
		},
		Edges: []workflow.EdgeConfig{
			{From: "interrupt.user_text", To: "agent.user_text"},
			{From: "agent.response_text_stream", To: "post_route.text_stream"},
			{From: "post_route.record_stream", To: "chat_record.assistant_stream"},
			{From: "post_route.sentence_stream", To: "tts.sentence_stream"},
		},
		Inputs:  []string{"interrupt.client_text"},
		Outputs: []string{"post_route.sentence_stream", "tts.audio_stream", "tts.tts_status"},
	}

	st := &fakeStorage{clock: time.Now()}
	user, err := userdata.New(&store.UserDataRow{
		AgentID:     1,
		AgentName:   "Vocalia",
		AgentConfig: []byte(`{"chat":{"system_prompt":"You are {{ assistant_name }}."}}`),
	})
	if err != nil {
		t.Fatalf("userdata.New: %v", err)
	}
	model := llmmock.New("[happy] Hello there. How are you?")
	record := chatrecord.New(st, model, user, "sess-1", false, chatrecord.Config{}, nil)

	deps := Deps{
		LLM:             model,
		TTS:             ttsmock.New(),
		Record:          record,
		User:            user,
		SampleRate:      16000,
		FrameDurationMs: 60,
	}

	engine, err := workflow.NewEngine(cfg, Factory(deps), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sentences := make(chan workflow.Chunk, 16)
	audio := make(chan workflow.Chunk, 64)
	status := make(chan workflow.Chunk, 16)
	mustRegister := func(port string, ch chan workflow.Chunk) {
		t.Helper()
		if err := engine.RegisterOutput(port, func(c workflow.Chunk) { ch <- c }); err != nil {
			t.Fatalf("RegisterOutput(%s): %v", port, err)
		}
	}
	mustRegister("post_route.sentence_stream", sentences)
	mustRegister("tts.audio_stream", audio)
	mustRegister("tts.tts_status", status)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()

	if err := engine.FeedInput(ctx, "interrupt.client_text", workflow.Chunk{
		"text":   "hi",
		"source": "text",
	}); err != nil {
		t.Fatalf("FeedInput: %v", err)
	}

	var got []string
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case c := <-sentences:
			if c.Str("text") == "" {
				break collect
			}
			if c.Str("emotion") != "happy" {
				t.Errorf("sentence emotion = %q, want happy", c.Str("emotion"))
			}
			got = append(got, c.Str("text"))
		case <-deadline:
			t.Fatalf("no sentence sentinel within 5s, got %v", got)
		}
	}
	if len(got) != 2 || got[0] != "Hello there." || got[1] != "How are you?" {
		t.Errorf("sentences = %v", got)
	}

	// Synthesis produces at least one opus frame and a stop event.
	sawStop := false
	audioFrames := 0
	statusDeadline := time.After(5 * time.Second)
	for !sawStop {
		select {
		case c := <-status:
			if c.Str("event") == "stop" {
				sawStop = true
			}
		case <-audio:
			audioFrames++
		case <-statusDeadline:
			t.Fatal("no tts stop event within 5s")
		}
	}
	for {
		select {
		case <-audio:
			audioFrames++
			continue
		default:
		}
		break
	}
	if audioFrames == 0 {
		t.Error("no audio frames emitted")
	}

	// The persisted turn is the tag-stripped full reply.
	var rows []store.ChatMessage
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		rows = st.rows()
		if len(rows) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Role != "user" || rows[0].Content != "hi" {
		t.Errorf("user row = %+v", rows[0])
	}
	if rows[1].Role != "assistant" || rows[1].Content != "Hello there. How are you?" {
		t.Errorf("assistant row = %+v", rows[1])
	}
}

// TestAbortMidTurnPersistsPartialReply aborts a long streaming reply partway
// through and checks the turn ends cleanly: sentence sentinel, tts stop event
// and a persisted assistant turn holding only the text streamed so far.
func TestAbortMidTurnPersistsPartialReply(t *testing.T) {
	cfg := &workflow.GraphConfig{
		Name: "chat-abort-test",
		Nodes: []workflow.NodeConfig{
			{Name: "interrupt", Type: "interrupt"},
			{Name: "agent", Type: "agent"},
			{Name: "post_route", Type: "post_route"},
			{Name: "tts", Type: "tts"},
			{Name: "chat_record", Type: "chat_record"},
		},
		Edges: []workflow.EdgeConfig{
			{From: "interrupt.user_text", To: "agent.user_text"},
			{From: "agent.response_text_stream", To: "post_route.text_stream"},
			{From: "post_route.record_stream", To: "chat_record.assistant_stream"},
			{From: "post_route.sentence_stream", To: "tts.sentence_stream"},
		},
		Inputs:  []string{"interrupt.client_text", "interrupt.abort"},
		Outputs: []string{"post_route.sentence_stream", "tts.audio_stream", "tts.tts_status"},
	}

	st := &fakeStorage{clock: time.Now()}
	user, err := userdata.New(&store.UserDataRow{
		AgentID:     1,
		AgentName:   "Vocalia",
		AgentConfig: []byte(`{"chat":{"system_prompt":"You are {{ assistant_name }}."}}`),
	})
	if err != nil {
		t.Fatalf("userdata.New: %v", err)
	}

	reply := strings.Repeat("This is one more sentence of a very long reply. ", 40)
	model := llmmock.New(reply)
	model.StreamChunkSize = 8
	model.StreamDelay = 5 * time.Millisecond
	record := chatrecord.New(st, model, user, "sess-abort", false, chatrecord.Config{}, nil)

	deps := Deps{
		LLM:             model,
		TTS:             ttsmock.New(),
		Record:          record,
		User:            user,
		SampleRate:      16000,
		FrameDurationMs: 60,
	}

	engine, err := workflow.NewEngine(cfg, Factory(deps), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sentences := make(chan workflow.Chunk, 64)
	audio := make(chan workflow.Chunk, 256)
	status := make(chan workflow.Chunk, 16)
	mustRegister := func(port string, ch chan workflow.Chunk) {
		t.Helper()
		if err := engine.RegisterOutput(port, func(c workflow.Chunk) { ch <- c }); err != nil {
			t.Fatalf("RegisterOutput(%s): %v", port, err)
		}
	}
	mustRegister("post_route.sentence_stream", sentences)
	mustRegister("tts.audio_stream", audio)
	mustRegister("tts.tts_status", status)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()

	if err := engine.FeedInput(ctx, "interrupt.client_text", workflow.Chunk{
		"text":   "tell me everything",
		"source": "text",
	}); err != nil {
		t.Fatalf("FeedInput: %v", err)
	}

	// Abort once the first sentence is out, while most of the reply is
	// still streaming.
	select {
	case <-sentences:
	case <-time.After(5 * time.Second):
		t.Fatal("no first sentence within 5s")
	}
	if err := engine.FeedInput(ctx, "interrupt.abort", workflow.Chunk{}); err != nil {
		t.Fatalf("FeedInput(abort): %v", err)
	}

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case c := <-sentences:
			if c.Str("text") == "" {
				done = true
			}
		case <-deadline:
			t.Fatal("no sentence sentinel after abort within 5s")
		}
	}

	sawStop := false
	statusDeadline := time.After(5 * time.Second)
	for !sawStop {
		select {
		case c := <-status:
			if c.Str("event") == "stop" {
				sawStop = true
			}
		case <-audio:
		case <-statusDeadline:
			t.Fatal("no tts stop event after abort within 5s")
		}
	}

	var rows []store.ChatMessage
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		rows = st.rows()
		if len(rows) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Role != "user" || rows[0].Content != "tell me everything" {
		t.Errorf("user row = %+v", rows[0])
	}
	partial := rows[1].Content
	if rows[1].Role != "assistant" || partial == "" {
		t.Fatalf("assistant row = %+v", rows[1])
	}
	if !strings.HasPrefix(reply, partial) {
		t.Errorf("persisted partial is not a prefix of the reply: %q", partial)
	}
	if len(partial) >= len(reply) {
		t.Errorf("full reply persisted despite abort (%d bytes)", len(partial))
	}
}

// interruptHarness runs a lone barge-in controller so classification can be
// driven directly through its ports.
type interruptHarness struct {
	t        *testing.T
	engine   *workflow.Engine
	userText chan workflow.Chunk
}

func newInterruptHarness(t *testing.T, model *llmmock.Provider, policy string) *interruptHarness {
	t.Helper()

	agentCfg := `{}`
	if policy != "" {
		agentCfg = `{"function_settings":{"interrupt_policy":` + policy + `}}`
	}
	user, err := userdata.New(&store.UserDataRow{
		AgentID:     1,
		AgentName:   "Vocalia",
		AgentConfig: []byte(agentCfg),
	})
	if err != nil {
		t.Fatalf("userdata.New: %v", err)
	}

	cfg := &workflow.GraphConfig{
		Name: "interrupt-test",
		Nodes: []workflow.NodeConfig{{
			Name: "interrupt",
			Type: "interrupt",
			Params: map[string]any{
				"system_prompt": "Decide whether the user means to interrupt the assistant.",
				"user_prompt":   "User said: {{ user_text }} (confidence {{ asr_confidence }})",
			},
		}},
		Inputs:  []string{"interrupt.transcript", "interrupt.tts_status"},
		Outputs: []string{"interrupt.user_text"},
	}

	engine, err := workflow.NewEngine(cfg, Factory(Deps{LLM: model, User: user}), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	out := make(chan workflow.Chunk, 16)
	if err := engine.RegisterOutput("interrupt.user_text", func(c workflow.Chunk) { out <- c }); err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })

	return &interruptHarness{t: t, engine: engine, userText: out}
}

// feed writes one chunk and gives the controller goroutine time to consume
// it, so a following feed on another port cannot be reordered past it.
func (h *interruptHarness) feed(port string, c workflow.Chunk) {
	h.t.Helper()
	if err := h.engine.FeedInput(context.Background(), port, c); err != nil {
		h.t.Fatalf("FeedInput(%s): %v", port, err)
	}
	time.Sleep(50 * time.Millisecond)
}

func (h *interruptHarness) expect(want string) workflow.Chunk {
	h.t.Helper()
	select {
	case c := <-h.userText:
		if c.Str("text") != want {
			h.t.Fatalf("forwarded text = %q, want %q", c.Str("text"), want)
		}
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no user_text %q within 2s", want)
		return nil
	}
}

func (h *interruptHarness) expectSilence() {
	h.t.Helper()
	select {
	case c := <-h.userText:
		h.t.Fatalf("unexpected user_text %q", c.Str("text"))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInterruptPassthroughWhileIdle(t *testing.T) {
	model := llmmock.New()
	h := newInterruptHarness(t, model, "")

	h.feed("interrupt.transcript", workflow.Chunk{"text": "hello", "source": "voice"})
	c := h.expect("hello")
	if c.Int64("generation") != 1 {
		t.Errorf("generation = %d, want 1", c.Int64("generation"))
	}
	if len(model.Requests) != 0 {
		t.Errorf("idle passthrough must not classify, got %d requests", len(model.Requests))
	}
}

func TestInterruptClassifiedInterruptCutsIn(t *testing.T) {
	model := llmmock.New(`{"label": "interrupt", "score": 0.9}`)
	h := newInterruptHarness(t, model, `{"min_interrupt_interval_sec": 0}`)

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "start"})
	h.feed("interrupt.transcript", workflow.Chunk{"text": "stop, wrong topic", "confidence": 0.9})
	h.expect("stop, wrong topic")

	if len(model.Requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(model.Requests))
	}
	req := model.Requests[0]
	if req.MaxTokens != 64 {
		t.Errorf("MaxTokens = %d, want 64", req.MaxTokens)
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "stop, wrong topic") {
		t.Errorf("classify prompt = %+v", req.Messages)
	}
}

func TestInterruptIgnoredUtteranceIsDropped(t *testing.T) {
	model := llmmock.New(`{"label": "ignore", "score": 0.8}`)
	h := newInterruptHarness(t, model, "")

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "start"})
	h.feed("interrupt.transcript", workflow.Chunk{"text": "uh huh", "confidence": 0.9})
	h.expectSilence()

	// An ignored utterance does not resurface when synthesis ends.
	h.feed("interrupt.tts_status", workflow.Chunk{"event": "stop"})
	h.expectSilence()
}

func TestInterruptWaitQueueDeliversNewestAfterSynthesis(t *testing.T) {
	model := llmmock.New(
		`{"label": "wait", "score": 0.7}`,
		`{"label": "wait", "score": 0.7}`,
	)
	h := newInterruptHarness(t, model, "")

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "start"})
	h.feed("interrupt.transcript", workflow.Chunk{"text": "first question", "confidence": 0.9})
	h.feed("interrupt.transcript", workflow.Chunk{"text": "second question", "confidence": 0.9})
	h.expectSilence()

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "stop"})
	h.expect("second question")
	h.expectSilence()
}

func TestInterruptLowConfidenceDroppedDuringSynthesis(t *testing.T) {
	model := llmmock.New()
	h := newInterruptHarness(t, model, "")

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "start"})
	h.feed("interrupt.transcript", workflow.Chunk{"text": "mumble", "confidence": 0.2})
	h.expectSilence()

	h.feed("interrupt.tts_status", workflow.Chunk{"event": "stop"})
	h.expectSilence()
	if len(model.Requests) != 0 {
		t.Errorf("low-confidence input must not be classified, got %d requests", len(model.Requests))
	}
}

func TestParseIntentLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"label": "interrupt", "score": 0.9}`, "interrupt"},
		{`{"label": "ignore", "score": 0.5}`, "ignore"},
		{`{"label": "wait"}`, "wait"},
		{"The label is INTERRUPT here.", "interrupt"},
		{`{"label": "bogus"}`, "wait"},
		{"no verdict at all", "wait"},
		{"", "wait"},
	}
	for _, tt := range tests {
		if got := parseIntentLabel(tt.in); got != tt.want {
			t.Errorf("parseIntentLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
