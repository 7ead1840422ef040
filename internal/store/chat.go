package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChatMessage is one persisted conversation turn. Rows are immutable after
// insert; ordering within an agent is by created_at.
type ChatMessage struct {
	ID            int64
	SessionID     string
	AgentID       int64
	Role          string
	Content       string
	Emotion       string
	AudioFilePath string
	CopilotMode   bool
	CreatedAt     time.Time
}

// CompressedMessage is one stored history summary. For any agent and mode,
// messages at or before the newest row's ContentLastTime are logically
// replaced by that summary for context purposes.
type CompressedMessage struct {
	ID                int64
	AgentID           int64
	CompressedContent string
	ContentLastTime   time.Time
	CopilotMode       bool
	CreatedAt         time.Time
}

// InsertChatMessage persists m and fills in its ID and CreatedAt. A zero
// CreatedAt defaults to the insertion time.
func (s *Store) InsertChatMessage(ctx context.Context, m *ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_messages
			(session_id, agent_id, role, content, emotion, audio_file_path, copilot_mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		m.SessionID, m.AgentID, m.Role, m.Content, m.Emotion, m.AudioFilePath, m.CopilotMode, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("store: insert chat message: %w", err)
	}
	return nil
}

// LatestCompressed returns the newest compressed summary for the agent and
// mode, or nil when none exists.
func (s *Store) LatestCompressed(ctx context.Context, agentID int64, copilot bool) (*CompressedMessage, error) {
	var m CompressedMessage
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, compressed_content, content_last_time, copilot_mode, created_at
		 FROM chat_compressed_messages
		 WHERE agent_id = $1 AND copilot_mode = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		agentID, copilot,
	).Scan(&m.ID, &m.AgentID, &m.CompressedContent, &m.ContentLastTime, &m.CopilotMode, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest compressed: %w", err)
	}
	return &m, nil
}

// MessagesSince returns up to limit messages for the agent and mode with
// created_at strictly after the given time, oldest first. A zero time loads
// from the beginning.
func (s *Store) MessagesSince(ctx context.Context, agentID int64, after time.Time, copilot bool, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, agent_id, role, content, emotion, audio_file_path, copilot_mode, created_at
		 FROM chat_messages
		 WHERE agent_id = $1 AND copilot_mode = $2 AND created_at > $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		agentID, copilot, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: messages since: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChatMessage, error) {
		var m ChatMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Role, &m.Content,
			&m.Emotion, &m.AudioFilePath, &m.CopilotMode, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return msgs, nil
}

// InsertCompressed persists a new summary row and fills in its ID and
// CreatedAt. Inserts are append-only; concurrent sessions of the same agent
// may race, and readers resolve that by taking the newest row.
func (s *Store) InsertCompressed(ctx context.Context, m *CompressedMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_compressed_messages
			(agent_id, compressed_content, content_last_time, copilot_mode, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		m.AgentID, m.CompressedContent, m.ContentLastTime, m.CopilotMode, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("store: insert compressed: %w", err)
	}
	return nil
}
