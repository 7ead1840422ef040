package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrAgentNotFound is returned by LoadUserData when the agent does not exist,
// is soft-deleted, or its owner is disabled.
var ErrAgentNotFound = errors.New("store: agent not found")

// UserDataRow is the joined agent + owner + template row a session attaches
// to. Config and memory blobs stay as raw JSON; decoding and merging happen
// in the userdata package.
type UserDataRow struct {
	AgentID        int64
	UserID         int64
	TemplateID     int64
	AgentName      string
	LoginName      string
	AgentConfig    []byte
	MemoryData     []byte
	TemplateConfig []byte
}

// LoadUserData fetches the agent row joined with its owning user and
// template. Agents with status 2 (soft-deleted) and disabled users are
// treated as absent.
func (s *Store) LoadUserData(ctx context.Context, agentID int64) (*UserDataRow, error) {
	var row UserDataRow
	err := s.pool.QueryRow(ctx,
		`SELECT a.id, a.user_id, COALESCE(a.template_id, 0), a.name, u.login_name,
			a.agent_config, a.memory_data, COALESCE(t.agent_config, '{}')
		 FROM agents a
		 JOIN users u ON u.id = a.user_id
		 LEFT JOIN agent_templates t ON t.id = a.template_id AND t.status = 1
		 WHERE a.id = $1 AND a.status != 2 AND u.status = 1`,
		agentID,
	).Scan(&row.AgentID, &row.UserID, &row.TemplateID, &row.AgentName, &row.LoginName,
		&row.AgentConfig, &row.MemoryData, &row.TemplateConfig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load user data: %w", err)
	}
	return &row, nil
}

// UserActive reports whether the user exists and is enabled. Used by the
// WebSocket bridge after token verification.
func (s *Store) UserActive(ctx context.Context, userID int64) (bool, error) {
	var status int
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM users WHERE id = $1`, userID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: user lookup: %w", err)
	}
	return status == 1, nil
}

// AgentOwnedBy reports whether the agent exists, is alive, and belongs to
// userID.
func (s *Store) AgentOwnedBy(ctx context.Context, agentID, userID int64) (bool, error) {
	var owner int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM agents WHERE id = $1 AND status != 2`, agentID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: agent ownership: %w", err)
	}
	return owner == userID, nil
}

// UpdateAgentData writes back the dirty JSON blobs of an agent row. Either
// argument may be nil to leave that column untouched; when both are nil the
// call is a no-op.
func (s *Store) UpdateAgentData(ctx context.Context, agentID int64, config, memory []byte) error {
	sql, args := buildAgentUpdate(agentID, config, memory)
	if sql == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("store: update agent data: %w", err)
	}
	return nil
}

// buildAgentUpdate assembles the dynamic UPDATE for the dirty columns.
// Returns an empty statement when nothing needs writing.
func buildAgentUpdate(agentID int64, config, memory []byte) (string, []any) {
	var sets []string
	args := []any{agentID}

	if config != nil {
		args = append(args, config)
		sets = append(sets, "agent_config = $"+strconv.Itoa(len(args)))
	}
	if memory != nil {
		args = append(args, memory)
		sets = append(sets, "memory_data = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		return "", nil
	}
	sets = append(sets, "updated_at = NOW()")

	return "UPDATE agents SET " + strings.Join(sets, ", ") + " WHERE id = $1", args
}
