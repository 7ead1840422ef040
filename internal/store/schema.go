package store

import (
	"context"
	"fmt"
)

// migrations are applied in order by Migrate. Statements are idempotent so
// startup can run them unconditionally.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		login_name TEXT NOT NULL DEFAULT '',
		status     INT  NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS agent_templates (
		id           BIGSERIAL PRIMARY KEY,
		name         TEXT  NOT NULL DEFAULT '',
		agent_config JSONB NOT NULL DEFAULT '{}',
		status       INT   NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id           BIGSERIAL PRIMARY KEY,
		user_id      BIGINT NOT NULL REFERENCES users(id),
		template_id  BIGINT REFERENCES agent_templates(id),
		name         TEXT   NOT NULL DEFAULT '',
		agent_config JSONB  NOT NULL DEFAULT '{}',
		memory_data  JSONB  NOT NULL DEFAULT '{}',
		status       INT    NOT NULL DEFAULT 1,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id              BIGSERIAL PRIMARY KEY,
		session_id      TEXT   NOT NULL,
		agent_id        BIGINT NOT NULL REFERENCES agents(id),
		role            TEXT   NOT NULL,
		content         TEXT   NOT NULL,
		emotion         TEXT   NOT NULL DEFAULT '',
		audio_file_path TEXT   NOT NULL DEFAULT '',
		copilot_mode    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_chat_messages_agent_time
		ON chat_messages (agent_id, copilot_mode, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session
		ON chat_messages (session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS chat_compressed_messages (
		id                 BIGSERIAL PRIMARY KEY,
		agent_id           BIGINT NOT NULL REFERENCES agents(id),
		compressed_content TEXT   NOT NULL,
		content_last_time  TIMESTAMPTZ NOT NULL,
		copilot_mode       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_chat_compressed_agent
		ON chat_compressed_messages (agent_id, copilot_mode, created_at DESC)`,
}

// Migrate creates the core tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	return nil
}
