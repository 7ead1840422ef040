// Package chatrecord owns the durable and in-memory record of a
// conversation: ordered history, the streaming assistant-text buffer,
// token-threshold compression of older turns into stored summaries, and
// long-term memory extraction into the agent's memory blob.
//
// One Manager serves one session. History is partitioned per agent by
// copilot mode: a copilot session never reads or writes rows of the normal
// track and vice versa.
package chatrecord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocalia-ai/vocalia/internal/template"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"

	"github.com/vocalia-ai/vocalia/internal/store"
)

// Entry is one history element: a regular role message or a compressed
// summary stub.
type Entry struct {
	Role       string
	Content    string
	Compressed bool
	CreatedAt  time.Time
}

// Storage is the subset of the store the record manager uses. *store.Store
// satisfies it; tests inject fakes.
type Storage interface {
	InsertChatMessage(ctx context.Context, m *store.ChatMessage) error
	LatestCompressed(ctx context.Context, agentID int64, copilot bool) (*store.CompressedMessage, error)
	MessagesSince(ctx context.Context, agentID int64, after time.Time, copilot bool, limit int) ([]store.ChatMessage, error)
	InsertCompressed(ctx context.Context, m *store.CompressedMessage) error
}

// Config are the per-agent tunables of the record manager. Numeric zero
// values are defaulted by Normalize. The prompt templates have no defaults;
// compression and memory extraction stay inactive until they are configured.
type Config struct {
	CompressTokenThreshold int
	LoadHistoryLimit       int
	KeepLastRounds         int
	MemoryExtractMaxLength int

	CompressSystemPrompt      string
	CompressUserPrompt        string
	MemoryExtractSystemPrompt string
	MemoryExtractUserPrompt   string
}

// Normalize fills zero tunables with their defaults.
func (c *Config) Normalize() {
	if c.CompressTokenThreshold <= 0 {
		c.CompressTokenThreshold = 8000
	}
	if c.LoadHistoryLimit <= 0 {
		c.LoadHistoryLimit = 100
	}
	if c.KeepLastRounds <= 0 {
		c.KeepLastRounds = 1
	}
	if c.MemoryExtractMaxLength <= 0 {
		c.MemoryExtractMaxLength = 4000
	}
}

// ConfigFromUserData reads the chat tunables and prompt templates from the
// merged agent config.
func ConfigFromUserData(u *userdata.UserData) Config {
	cfg := Config{
		CompressTokenThreshold:    u.ConfigInt("chat.compress_token_threshold", 8000),
		LoadHistoryLimit:          u.ConfigInt("chat.load_history_limit", 100),
		KeepLastRounds:            u.ConfigInt("chat.keep_last_rounds", 1),
		MemoryExtractMaxLength:    u.ConfigInt("chat.memory_extract_max_length", 4000),
		CompressSystemPrompt:      u.ConfigString("chat.compress_system_prompt", ""),
		CompressUserPrompt:        u.ConfigString("chat.compress_user_prompt", ""),
		MemoryExtractSystemPrompt: u.ConfigString("chat.memory_extract_system_prompt", ""),
		MemoryExtractUserPrompt:   u.ConfigString("chat.memory_extract_user_prompt", ""),
	}
	cfg.Normalize()
	return cfg
}

// RenderFunc renders a prompt template against variables.
type RenderFunc func(tmpl string, vars map[string]any) (string, error)

// Manager is the per-session chat record. Safe for concurrent use.
type Manager struct {
	storage Storage
	model   llm.Provider
	user    *userdata.UserData
	render  RenderFunc
	log     *slog.Logger

	sessionID string
	agentID   int64
	copilot   bool
	cfg       Config

	mu          sync.Mutex
	history     []Entry
	aiBuf       strings.Builder
	compressing bool

	// syncCompress runs compression inline on the appending goroutine.
	// Used by tests for determinism.
	syncCompress bool
}

// New creates a Manager. The config is normalized; a nil render falls back
// to the pongo2 renderer.
func New(storage Storage, model llm.Provider, user *userdata.UserData, sessionID string, copilot bool, cfg Config, log *slog.Logger) *Manager {
	cfg.Normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		storage:   storage,
		model:     model,
		user:      user,
		render:    template.Render,
		log:       log,
		sessionID: sessionID,
		agentID:   user.AgentID,
		copilot:   copilot,
		cfg:       cfg,
	}
}

// Load rehydrates history on session attach: the latest stored summary (if
// any) becomes a synthetic compressed entry, newer messages are appended up
// to the load limit, consecutive same-role entries are merged, and the
// compression predicate is evaluated once.
func (m *Manager) Load(ctx context.Context) error {
	summary, err := m.storage.LatestCompressed(ctx, m.agentID, m.copilot)
	if err != nil {
		return err
	}

	var entries []Entry
	var after time.Time
	if summary != nil {
		entries = append(entries, Entry{
			Role:       "assistant",
			Content:    summary.CompressedContent,
			Compressed: true,
			CreatedAt:  summary.ContentLastTime,
		})
		after = summary.ContentLastTime
	}

	msgs, err := m.storage.MessagesSince(ctx, m.agentID, after, m.copilot, m.cfg.LoadHistoryLimit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		entries = append(entries, Entry{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}

	m.mu.Lock()
	m.history = mergeConsecutive(entries)
	m.mu.Unlock()

	m.evaluateCompression()
	return nil
}

// AddUserText ingests one finalized user turn: persist first, then append
// in memory. On a storage failure the in-memory state is left untouched so
// it cannot diverge from the durable record.
func (m *Manager) AddUserText(ctx context.Context, text, emotion, audioFilePath string) {
	if text == "" {
		return
	}
	msg := &store.ChatMessage{
		SessionID:     m.sessionID,
		AgentID:       m.agentID,
		Role:          "user",
		Content:       text,
		Emotion:       emotion,
		AudioFilePath: audioFilePath,
		CopilotMode:   m.copilot,
	}
	if err := m.storage.InsertChatMessage(ctx, msg); err != nil {
		m.log.Error("persist user message failed, dropping in-memory append",
			"session_id", m.sessionID, "agent_id", m.agentID, "err", err)
		return
	}

	m.mu.Lock()
	m.history = append(m.history, Entry{Role: "user", Content: text, CreatedAt: msg.CreatedAt})
	m.mu.Unlock()

	m.evaluateCompression()
}

// AddAssistantChunk ingests one streamed assistant token. Non-empty chunks
// accumulate in the buffer; the empty-string end sentinel flushes the buffer
// to a single persisted assistant turn.
func (m *Manager) AddAssistantChunk(ctx context.Context, text string) {
	if text != "" {
		m.mu.Lock()
		m.aiBuf.WriteString(text)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	content := m.aiBuf.String()
	m.aiBuf.Reset()
	m.mu.Unlock()
	if content == "" {
		return
	}

	msg := &store.ChatMessage{
		SessionID:   m.sessionID,
		AgentID:     m.agentID,
		Role:        "assistant",
		Content:     content,
		CopilotMode: m.copilot,
	}
	if err := m.storage.InsertChatMessage(ctx, msg); err != nil {
		m.log.Error("persist assistant message failed, dropping turn",
			"session_id", m.sessionID, "agent_id", m.agentID, "err", err)
		return
	}

	m.mu.Lock()
	m.history = append(m.history, Entry{Role: "assistant", Content: content, CreatedAt: msg.CreatedAt})
	m.mu.Unlock()

	m.evaluateCompression()
}

// History returns a copy of the current in-memory history.
func (m *Manager) History() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.history))
	copy(out, m.history)
	return out
}

// PendingAssistantText returns the unflushed assistant buffer.
func (m *Manager) PendingAssistantText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aiBuf.String()
}
