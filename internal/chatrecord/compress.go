package chatrecord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

const compressTimeout = 2 * time.Minute

// evaluateCompression checks the token estimate after every append and, when
// it exceeds the threshold, starts one compression run. The compressing flag
// makes the run single-flight: further appends during the run only buffer.
func (m *Manager) evaluateCompression() {
	m.mu.Lock()
	if m.compressing || estimateTokens(m.history) <= m.cfg.CompressTokenThreshold {
		m.mu.Unlock()
		return
	}
	m.compressing = true
	inline := m.syncCompress
	m.mu.Unlock()

	if inline {
		m.runCompression(context.Background())
		return
	}
	go m.runCompression(context.Background())
}

func (m *Manager) runCompression(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, compressTimeout)
	defer cancel()
	defer func() {
		m.mu.Lock()
		m.compressing = false
		m.mu.Unlock()
	}()

	if err := m.compress(ctx); err != nil {
		m.log.Warn("history compression failed",
			"session_id", m.sessionID, "agent_id", m.agentID, "err", err)
	}
}

// compress snapshots the history, summarizes everything before the keep
// window, persists the summary and rebuilds the in-memory history as
// [summary] + kept tail. Entries appended while the summary was being
// produced are re-attached untouched.
func (m *Manager) compress(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make([]Entry, len(m.history))
	copy(snapshot, m.history)
	m.mu.Unlock()

	idx, ok := findKeepStartIndex(snapshot, m.cfg.KeepLastRounds)
	if !ok {
		return nil
	}
	toCompress := snapshot[:idx]
	toKeep := snapshot[idx:]

	filtered := make([]Entry, 0, len(toCompress))
	for _, e := range toCompress {
		if !e.Compressed {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if m.cfg.CompressSystemPrompt == "" || m.cfg.CompressUserPrompt == "" {
		m.log.Debug("compression prompts not configured, skipping",
			"session_id", m.sessionID, "agent_id", m.agentID)
		return nil
	}

	summary, err := m.summarize(ctx, filtered)
	if err != nil {
		return err
	}
	if summary == "" {
		return nil
	}

	row := &store.CompressedMessage{
		AgentID:           m.agentID,
		CompressedContent: summary,
		ContentLastTime:   toCompress[len(toCompress)-1].CreatedAt,
		CopilotMode:       m.copilot,
	}
	if err := m.storage.InsertCompressed(ctx, row); err != nil {
		return err
	}

	rebuilt := make([]Entry, 0, len(toKeep)+1)
	rebuilt = append(rebuilt, Entry{
		Role:       "assistant",
		Content:    summary,
		Compressed: true,
		CreatedAt:  toCompress[0].CreatedAt,
	})
	rebuilt = append(rebuilt, toKeep...)
	rebuilt = mergeConsecutive(rebuilt)

	m.mu.Lock()
	tail := m.history[len(snapshot):]
	m.history = append(rebuilt, tail...)
	m.mu.Unlock()

	m.extractMemory(ctx, filtered)
	return nil
}

// summarize folds the non-compressed entries before the keep window through
// the compression prompts into one replacement summary. A prior summary
// entry never re-enters the prompt; each summary is derived from newly-added
// messages only.
func (m *Manager) summarize(ctx context.Context, entries []Entry) (string, error) {
	vars := map[string]any{
		"messages":          renderMessages(entries),
		"message_count":     len(entries),
		"memory_max_length": m.cfg.MemoryExtractMaxLength,
	}
	system, err := m.render(m.cfg.CompressSystemPrompt, vars)
	if err != nil {
		return "", fmt.Errorf("chatrecord: render compress system prompt: %w", err)
	}
	user, err := m.render(m.cfg.CompressUserPrompt, vars)
	if err != nil {
		return "", fmt.Errorf("chatrecord: render compress user prompt: %w", err)
	}

	resp, err := m.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", fmt.Errorf("chatrecord: summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func renderMessages(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Role+": "+e.Content)
	}
	return strings.Join(lines, "\n")
}

// findKeepStartIndex locates the boundary of the keep window: the last
// 2*rounds entries must strictly alternate user/assistant and end on an
// assistant turn. When the tail does not form complete rounds the history is
// mid-turn and compression waits for the next append.
func findKeepStartIndex(entries []Entry, rounds int) (int, bool) {
	need := 2 * rounds
	if need <= 0 || len(entries) < need {
		return 0, false
	}
	start := len(entries) - need
	for i, e := range entries[start:] {
		if e.Compressed {
			return 0, false
		}
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if e.Role != want {
			return 0, false
		}
	}
	return start, true
}
