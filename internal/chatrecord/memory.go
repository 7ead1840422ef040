package chatrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

const memoryPath = "chat.long_term_memory"

// extractMemory runs after a successful compression: the turns that were
// summarized away are folded into the agent's long-term memory blob. Failures
// are logged and swallowed; memory extraction never blocks or fails the
// session.
func (m *Manager) extractMemory(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	if m.cfg.MemoryExtractSystemPrompt == "" || m.cfg.MemoryExtractUserPrompt == "" {
		m.log.Debug("memory extraction prompts not configured, skipping",
			"agent_id", m.agentID)
		return
	}

	existing := "{}"
	if cur := m.user.Memory(memoryPath); cur != nil {
		if raw, err := json.MarshalIndent(cur, "", "  "); err == nil {
			existing = string(raw)
		}
	}

	vars := map[string]any{
		"messages":          renderMessages(entries),
		"message_count":     len(entries),
		"existing_memory":   existing,
		"memory_max_length": m.cfg.MemoryExtractMaxLength,
	}
	system, err := m.render(m.cfg.MemoryExtractSystemPrompt, vars)
	if err != nil {
		m.log.Warn("render memory system prompt failed", "agent_id", m.agentID, "err", err)
		return
	}
	user, err := m.render(m.cfg.MemoryExtractUserPrompt, vars)
	if err != nil {
		m.log.Warn("render memory user prompt failed", "agent_id", m.agentID, "err", err)
		return
	}

	resp, err := m.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		m.log.Warn("memory extraction call failed", "agent_id", m.agentID, "err", err)
		return
	}
	raw := strings.TrimSpace(resp.Content)
	if raw == "" {
		return
	}

	memory := parseMemory(raw, m.cfg.MemoryExtractMaxLength)
	memory = enforceMemoryLimit(memory, m.cfg.MemoryExtractMaxLength)
	m.user.SetMemory(memoryPath, memoryTree(memory))
}

// parseMemory decodes the model reply into category -> facts. A reply that
// is not valid JSON, or not an object, degrades to a single summary entry
// instead of being discarded.
func parseMemory(raw string, maxLen int) map[string][]string {
	var decoded any
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &decoded); err != nil {
		return map[string][]string{"summary": {truncateRunes(raw, maxLen)}}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return map[string][]string{"summary": {truncateRunes(stringifyFact(decoded), maxLen)}}
	}

	out := make(map[string][]string, len(obj))
	for key, val := range obj {
		var facts []string
		switch t := val.(type) {
		case []any:
			for _, item := range t {
				s := stringifyFact(item)
				if s == "" {
					continue
				}
				facts = append(facts, truncateRunes(s, maxLen))
			}
		default:
			if s := stringifyFact(t); s != "" {
				facts = []string{truncateRunes(s, maxLen)}
			}
		}
		if len(facts) > 0 {
			out[key] = facts
		}
	}
	return out
}

// enforceMemoryLimit trims the memory until its compact JSON form fits the
// byte budget: repeatedly drop the last fact of the fullest category (ties
// break on the lexicographically smaller name). If everything is trimmed away
// and the budget is still exceeded, collapse to a truncated summary.
func enforceMemoryLimit(memory map[string][]string, maxLen int) map[string][]string {
	serialized := compactMemory(memory)
	for len(serialized) > maxLen {
		key := fullestCategory(memory)
		if key == "" {
			return map[string][]string{"summary": {truncateRunes(serialized, maxLen)}}
		}
		facts := memory[key]
		if len(facts) <= 1 {
			delete(memory, key)
		} else {
			memory[key] = facts[:len(facts)-1]
		}
		serialized = compactMemory(memory)
	}
	return memory
}

func fullestCategory(memory map[string][]string) string {
	keys := make([]string, 0, len(memory))
	for k := range memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestLen := "", 0
	for _, k := range keys {
		if len(memory[k]) > bestLen {
			best, bestLen = k, len(memory[k])
		}
	}
	return best
}

func compactMemory(memory map[string][]string) string {
	raw, err := json.Marshal(memory)
	if err != nil {
		return ""
	}
	return string(raw)
}

// memoryTree converts to the dynamic form the userdata tree stores.
func memoryTree(memory map[string][]string) map[string]any {
	out := make(map[string]any, len(memory))
	for k, facts := range memory {
		items := make([]any, len(facts))
		for i, f := range facts {
			items[i] = f
		}
		out[k] = items
	}
	return out
}

func stringifyFact(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// truncateRunes caps s at max runes. When there is room the cut is marked
// with an ellipsis.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max >= 4 {
		return string(runes[:max-3]) + "..."
	}
	return string(runes[:max])
}

// stripCodeFence unwraps a ```json fenced block if the model added one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
