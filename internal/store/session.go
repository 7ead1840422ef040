package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SessionSummary aggregates one conversation session for listing. The title
// is the first user message, truncated.
type SessionSummary struct {
	SessionID    string
	AgentID      int64
	AgentName    string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// titleMaxLen caps session titles derived from the first user message.
const titleMaxLen = 50

// ListSessions returns the user's sessions, newest activity first,
// aggregated from chat_messages.
func (s *Store) ListSessions(ctx context.Context, userID int64, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT cm.session_id, cm.agent_id, COALESCE(a.name, ''),
			MIN(cm.created_at), MAX(cm.created_at), COUNT(*),
			COALESCE((
				SELECT content FROM chat_messages first_msg
				WHERE first_msg.session_id = cm.session_id AND first_msg.role = 'user'
				ORDER BY first_msg.created_at ASC
				LIMIT 1
			), '')
		 FROM chat_messages cm
		 LEFT JOIN agents a ON a.id = cm.agent_id
		 WHERE cm.agent_id IN (SELECT id FROM agents WHERE user_id = $1)
		 GROUP BY cm.session_id, cm.agent_id, a.name
		 ORDER BY MAX(cm.created_at) DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var sum SessionSummary
		var firstMsg string
		err := row.Scan(&sum.SessionID, &sum.AgentID, &sum.AgentName,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount, &firstMsg)
		sum.Title = sessionTitle(firstMsg)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan sessions: %w", err)
	}
	return summaries, nil
}

// SessionMessages returns the messages of one session, oldest first.
func (s *Store) SessionMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, agent_id, role, content, emotion, audio_file_path, copilot_mode, created_at
		 FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: session messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChatMessage, error) {
		var m ChatMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Role, &m.Content,
			&m.Emotion, &m.AudioFilePath, &m.CopilotMode, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan session messages: %w", err)
	}
	return msgs, nil
}

// ErrSessionNotOwned is returned by DeleteSession when the session has no
// messages belonging to one of the user's agents.
var ErrSessionNotOwned = errors.New("store: session not owned by user")

// DeleteSession removes all messages of a session after verifying the
// session belongs to one of the user's agents. Runs in a transaction so the
// ownership check and the delete see the same state.
func (s *Store) DeleteSession(ctx context.Context, sessionID string, userID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin delete session: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM chat_messages cm
		 JOIN agents a ON a.id = cm.agent_id
		 WHERE cm.session_id = $1 AND a.user_id = $2`,
		sessionID, userID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("store: verify session owner: %w", err)
	}
	if count == 0 {
		return ErrSessionNotOwned
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM chat_messages WHERE session_id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("store: delete session messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit delete session: %w", err)
	}
	return nil
}

// sessionTitle derives a list title from the first user message.
func sessionTitle(firstMsg string) string {
	if firstMsg == "" {
		return "New conversation"
	}
	runes := []rune(firstMsg)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen]) + "..."
	}
	return firstMsg
}
