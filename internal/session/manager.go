// Package session owns the lifecycle of client sessions: loading agent
// state, assembling the per-session workflow graph, routing client input
// into it and delivering its outputs back to the transport. On detach it
// saves agent state and publishes a session analysis event.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vocalia-ai/vocalia/internal/chatrecord"
	"github.com/vocalia-ai/vocalia/internal/observe"
	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/internal/workflow/nodes"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
)

// Store is the storage surface the manager needs. *store.Store satisfies it;
// tests inject fakes.
type Store interface {
	chatrecord.Storage
	LoadUserData(ctx context.Context, agentID int64) (*store.UserDataRow, error)
	UpdateAgentData(ctx context.Context, agentID int64, config, memory []byte) error
}

// Publisher is the subset of a NATS connection used for analysis events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Providers bundles the capability implementations shared by all sessions.
type Providers struct {
	LLM   llm.Provider
	TTS   tts.Provider
	STT   stt.Provider
	VAD   vad.Detector
	Voice tts.VoiceProfile
}

// ProviderResolver swaps server-default providers for agent-specific ones.
// It runs on every attach with the agent's merged config, so an agent whose
// ai_providers section names its own backends gets them while everything it
// leaves unset inherits from base.
type ProviderResolver func(base Providers, user *userdata.UserData) (Providers, error)

// AudioParams is the negotiated client wire format.
type AudioParams struct {
	SampleRate      int
	FrameDurationMs int
}

// Graphs holds the parsed workflow descriptions per session mode.
type Graphs struct {
	Default *workflow.GraphConfig
	Copilot *workflow.GraphConfig
}

// Callbacks deliver workflow outputs to the transport. Nil fields are
// skipped. Callbacks are invoked from workflow goroutines and must not block
// indefinitely.
type Callbacks struct {
	// SendSentence delivers one response sentence; an empty text marks the
	// end of the response.
	SendSentence func(text, emotion string)

	// SendAudio delivers one opus frame.
	SendAudio func(frame []byte)

	// SendTTSStatus delivers a synthesis lifecycle event.
	SendTTSStatus func(event, text string)
}

// Manager creates and tracks sessions. Safe for concurrent use.
type Manager struct {
	store     Store
	providers Providers
	graphs    Graphs
	audio     AudioParams

	publisher Publisher
	subject   string
	resolve   ProviderResolver
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher enables session analysis publishing on subject.
func WithPublisher(pub Publisher, subject string) Option {
	return func(m *Manager) {
		m.publisher = pub
		m.subject = subject
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithProviderResolver installs per-agent provider resolution. Without it
// every session uses the server-default providers.
func WithProviderResolver(r ProviderResolver) Option {
	return func(m *Manager) { m.resolve = r }
}

// NewManager creates a session manager.
func NewManager(st Store, providers Providers, graphs Graphs, audio AudioParams, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		providers: providers,
		graphs:    graphs,
		audio:     audio,
		log:       slog.Default(),
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Attach creates a session for one authenticated client: loads the agent
// row, resolves its providers, rehydrates chat history, builds the workflow
// graph and starts it.
// The session runs until Close; its lifetime is not bound to ctx.
func (m *Manager) Attach(ctx context.Context, userID, agentID int64, copilot bool, cb Callbacks) (*Session, error) {
	row, err := m.store.LoadUserData(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("session: load agent %d: %w", agentID, err)
	}
	if row.UserID != userID {
		return nil, fmt.Errorf("session: agent %d is not owned by user %d", agentID, userID)
	}
	user, err := userdata.New(row)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	providers := m.providers
	if m.resolve != nil {
		if providers, err = m.resolve(m.providers, user); err != nil {
			return nil, fmt.Errorf("session: resolve providers for agent %d: %w", agentID, err)
		}
	}

	sessionID := uuid.NewString()
	record := chatrecord.New(m.store, providers.LLM, user, sessionID, copilot,
		chatrecord.ConfigFromUserData(user), m.log)
	if err := record.Load(ctx); err != nil {
		return nil, fmt.Errorf("session: load history: %w", err)
	}

	graphCfg := m.graphs.Default
	if copilot {
		graphCfg = m.graphs.Copilot
	}
	if graphCfg == nil {
		return nil, fmt.Errorf("session: no workflow graph for copilot=%v", copilot)
	}

	deps := nodes.Deps{
		LLM:             providers.LLM,
		TTS:             providers.TTS,
		STT:             providers.STT,
		VAD:             providers.VAD,
		Record:          record,
		User:            user,
		Voice:           providers.Voice,
		SampleRate:      m.audio.SampleRate,
		FrameDurationMs: m.audio.FrameDurationMs,
	}
	engine, err := workflow.NewEngine(graphCfg, nodes.Factory(deps), m.log.With("session_id", sessionID))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s, err := newSession(m, sessionID, user, record, engine, cb, copilot)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, 1)

	m.log.Info("session attached",
		"session_id", sessionID,
		"user_id", userID,
		"agent_id", agentID,
		"copilot", copilot,
	)
	return s, nil
}

// Get returns the live session with the given ID, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll detaches every live session. Used on server shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close(ctx)
	}
}

func (m *Manager) detach(ctx context.Context, s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, -1)
}
