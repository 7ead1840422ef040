package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
	ttsmock "github.com/vocalia-ai/vocalia/pkg/provider/tts/mock"
)

type fakeStore struct {
	mu       sync.Mutex
	row      *store.UserDataRow
	messages []store.ChatMessage
	updates  int
	clock    time.Time
}

func (f *fakeStore) LoadUserData(_ context.Context, agentID int64) (*store.UserDataRow, error) {
	if f.row == nil {
		return nil, store.ErrAgentNotFound
	}
	return f.row, nil
}

func (f *fakeStore) UpdateAgentData(context.Context, int64, []byte, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeStore) InsertChatMessage(_ context.Context, m *store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	m.CreatedAt = f.clock
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) LatestCompressed(context.Context, int64, bool) (*store.CompressedMessage, error) {
	return nil, nil
}

func (f *fakeStore) MessagesSince(context.Context, int64, time.Time, bool, int) ([]store.ChatMessage, error) {
	return nil, nil
}

func (f *fakeStore) InsertCompressed(context.Context, *store.CompressedMessage) error {
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func textGraph() *workflow.GraphConfig {
	return &workflow.GraphConfig{
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
		Inputs:  []string{"interrupt.client_text", "interrupt.abort"},
		Outputs: []string{"post_route.sentence_stream", "tts.audio_stream", "tts.tts_status"},
	}
}

func newTestManager(st *fakeStore, pub Publisher) *Manager {
	providers := Providers{
		LLM: llmmock.New("All good."),
		TTS: ttsmock.New(),
	}
	graphs := Graphs{Default: textGraph(), Copilot: textGraph()}
	opts := []Option{}
	if pub != nil {
		opts = append(opts, WithPublisher(pub, "vocalia.session.analysis"))
	}
	return NewManager(st, providers, graphs, AudioParams{SampleRate: 16000, FrameDurationMs: 60}, opts...)
}

func agentRow() *store.UserDataRow {
	return &store.UserDataRow{
		AgentID:     7,
		UserID:      3,
		AgentName:   "Vocalia",
		LoginName:   "max",
		AgentConfig: []byte(`{}`),
	}
}

func TestAttachRejectsUnknownAgent(t *testing.T) {
	m := newTestManager(&fakeStore{}, nil)
	_, err := m.Attach(context.Background(), 3, 7, false, Callbacks{})
	if err == nil {
		t.Fatal("want error for missing agent row")
	}
}

func TestSessionTextTurnAndClose(t *testing.T) {
	st := &fakeStore{row: agentRow(), clock: time.Now()}
	pub := &fakePublisher{}
	m := newTestManager(st, pub)

	done := make(chan struct{})
	var sentences []string
	cb := Callbacks{
		SendSentence: func(text, _ string) {
			if text == "" {
				close(done)
				return
			}
			sentences = append(sentences, text)
		},
	}

	ctx := context.Background()
	s, err := m.Attach(ctx, 3, 7, false, cb)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d", m.Count())
	}

	if err := s.PushText("hello"); err != nil {
		t.Fatalf("PushText: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no end-of-response sentinel within 5s")
	}
	if len(sentences) != 1 || sentences[0] != "All good." {
		t.Errorf("sentences = %v", sentences)
	}

	// Wait for the assistant turn to be persisted before closing.
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		st.mu.Lock()
		n := len(st.messages)
		st.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Close(ctx)
	if m.Count() != 0 {
		t.Errorf("Count after close = %d", m.Count())
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.payloads))
	}
	if pub.subjects[0] != "vocalia.session.analysis" {
		t.Errorf("subject = %q", pub.subjects[0])
	}
	var ev analysisEvent
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.AgentID != 7 || ev.UserID != 3 || ev.Turns != 1 {
		t.Errorf("event = %+v", ev)
	}

	// A second close is a no-op.
	s.Close(ctx)
}

// TestAttachResolvesAgentProviders checks that a session built for an agent
// with its own ai_providers config runs on the resolved providers, not the
// server defaults.
func TestAttachResolvesAgentProviders(t *testing.T) {
	row := agentRow()
	row.AgentConfig = []byte(`{"ai_providers":{"llm":{"name":"mock","model":"agent-tuned"}}}`)
	st := &fakeStore{row: row, clock: time.Now()}

	agentModel := llmmock.New("From the agent model.")
	var sawModel string
	resolver := func(base Providers, user *userdata.UserData) (Providers, error) {
		override, _ := user.Config("ai_providers.llm").(map[string]any)
		if override == nil {
			return base, nil
		}
		sawModel, _ = override["model"].(string)
		resolved := base
		resolved.LLM = agentModel
		return resolved, nil
	}

	providers := Providers{
		LLM: llmmock.New("From the default model."),
		TTS: ttsmock.New(),
	}
	graphs := Graphs{Default: textGraph(), Copilot: textGraph()}
	m := NewManager(st, providers, graphs,
		AudioParams{SampleRate: 16000, FrameDurationMs: 60},
		WithProviderResolver(resolver))

	done := make(chan struct{})
	var sentences []string
	cb := Callbacks{
		SendSentence: func(text, _ string) {
			if text == "" {
				close(done)
				return
			}
			sentences = append(sentences, text)
		},
	}

	ctx := context.Background()
	s, err := m.Attach(ctx, 3, 7, false, cb)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Close(ctx)

	if sawModel != "agent-tuned" {
		t.Errorf("resolver saw model %q, want agent-tuned", sawModel)
	}

	if err := s.PushText("hello"); err != nil {
		t.Fatalf("PushText: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no end-of-response sentinel within 5s")
	}
	if len(sentences) != 1 || sentences[0] != "From the agent model." {
		t.Errorf("sentences = %v, want the resolved provider's reply", sentences)
	}
}

func TestCopilotSessionNotPublished(t *testing.T) {
	st := &fakeStore{row: agentRow(), clock: time.Now()}
	pub := &fakePublisher{}
	m := newTestManager(st, pub)

	ctx := context.Background()
	s, err := m.Attach(ctx, 3, 7, true, Callbacks{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	s.Close(ctx)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) != 0 {
		t.Errorf("copilot session published %d events", len(pub.payloads))
	}
}

func TestAudioDroppedWhenNotListening(t *testing.T) {
	st := &fakeStore{row: agentRow(), clock: time.Now()}
	m := newTestManager(st, nil)

	ctx := context.Background()
	s, err := m.Attach(ctx, 3, 7, false, Callbacks{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Close(ctx)

	if err := s.PushAudio([]byte{0x01, 0x02}); err != nil {
		t.Errorf("PushAudio before listen must be a silent drop, got %v", err)
	}
	s.Listen(true)
	s.Listen(false)
	if err := s.PushAudio([]byte{0x01, 0x02}); err != nil {
		t.Errorf("PushAudio after listen stop must be a silent drop, got %v", err)
	}
}
