package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocalia-ai/vocalia/internal/chatrecord"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/audio"
)

// Session is one live client conversation bound to a running workflow
// graph. Methods are safe for concurrent use; after Close all inputs are
// dropped.
type Session struct {
	ID      string
	Copilot bool

	mgr    *Manager
	user   *userdata.UserData
	record *chatrecord.Manager
	engine *workflow.Engine
	dec    *audio.Decoder

	ctx    context.Context
	cancel context.CancelFunc

	listening atomic.Bool
	closeOnce sync.Once
	startedAt time.Time
}

func newSession(m *Manager, id string, user *userdata.UserData, record *chatrecord.Manager, engine *workflow.Engine, cb Callbacks, copilot bool) (*Session, error) {
	register := func(port string, handler func(workflow.Chunk)) error {
		if handler == nil {
			return nil
		}
		if err := engine.RegisterOutput(port, handler); err != nil {
			return err
		}
		return nil
	}
	if cb.SendSentence != nil {
		if err := register("post_route.sentence_stream", func(c workflow.Chunk) {
			cb.SendSentence(c.Str("text"), c.Str("emotion"))
		}); err != nil {
			return nil, err
		}
	}
	if cb.SendAudio != nil {
		if err := register("tts.audio_stream", func(c workflow.Chunk) {
			cb.SendAudio(c.Bytes("opus"))
		}); err != nil {
			return nil, err
		}
	}
	if cb.SendTTSStatus != nil {
		if err := register("tts.tts_status", func(c workflow.Chunk) {
			cb.SendTTSStatus(c.Str("event"), c.Str("text"))
		}); err != nil {
			return nil, err
		}
	}

	dec, err := audio.NewDecoder(m.audio.SampleRate, m.audio.FrameDurationMs)
	if err != nil {
		return nil, err
	}

	// The session outlives the attach request.
	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	return &Session{
		ID:        id,
		Copilot:   copilot,
		mgr:       m,
		user:      user,
		record:    record,
		engine:    engine,
		dec:       dec,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}, nil
}

// PushText submits one typed user message.
func (s *Session) PushText(text string) error {
	return s.engine.FeedInput(s.ctx, "interrupt.client_text", workflow.Chunk{
		"text":   text,
		"source": "text",
	})
}

// PushAudio submits one opus packet from the client. Packets are dropped
// while the client has not started listening, and on graphs without an
// audio path.
func (s *Session) PushAudio(packet []byte) error {
	if !s.listening.Load() {
		return nil
	}
	pcm, err := s.dec.Decode(packet)
	if err != nil {
		s.mgr.log.Warn("opus decode failed", "session_id", s.ID, "err", err)
		return nil
	}
	err = s.engine.FeedInput(s.ctx, "vad.audio_in", workflow.Chunk{
		"pcm": audio.Int16sToBytes(pcm),
	})
	if err != nil && s.ctx.Err() == nil {
		// Copilot graphs have no audio input; drop silently.
		s.mgr.log.Debug("audio dropped", "session_id", s.ID, "err", err)
	}
	return nil
}

// Listen toggles inbound audio processing.
func (s *Session) Listen(start bool) {
	s.listening.Store(start)
}

// Abort cancels the response currently being generated.
func (s *Session) Abort() error {
	return s.engine.FeedInput(s.ctx, "interrupt.abort", workflow.Chunk{})
}

// Close detaches the session: stops the graph, saves dirty agent state and
// publishes the analysis event. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.engine.Stop(); err != nil {
			s.mgr.log.Error("workflow stopped with error", "session_id", s.ID, "err", err)
		}
		if err := s.user.Save(ctx, s.mgr.store); err != nil {
			s.mgr.log.Error("agent state save failed", "session_id", s.ID, "err", err)
		}
		s.publishAnalysis()
		s.mgr.detach(ctx, s)
		s.mgr.log.Info("session detached",
			"session_id", s.ID,
			"duration", time.Since(s.startedAt),
		)
	})
}

// analysisEvent is the payload published on session end for offline
// analysis. Copilot sessions are not published.
type analysisEvent struct {
	SessionID string    `json:"session_id"`
	AgentID   int64     `json:"agent_id"`
	UserID    int64     `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Turns     int       `json:"turns"`
}

func (s *Session) publishAnalysis() {
	if s.mgr.publisher == nil || s.Copilot {
		return
	}

	turns := 0
	for _, e := range s.record.History() {
		if e.Role == "assistant" && !e.Compressed {
			turns++
		}
	}
	payload, err := json.Marshal(analysisEvent{
		SessionID: s.ID,
		AgentID:   s.user.AgentID,
		UserID:    s.user.UserID,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Turns:     turns,
	})
	if err != nil {
		return
	}
	if err := s.mgr.publisher.Publish(s.mgr.subject, payload); err != nil {
		s.mgr.log.Warn("analysis publish failed", "session_id", s.ID, "err", err)
	}
}
