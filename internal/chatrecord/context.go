package chatrecord

import (
	"strings"

	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
)

const summaryHeading = "## Historical summary"

// BuildContext projects the history into an llm message list for one
// completion call. Both prompts arrive already rendered.
//
// A trailing user entry is dropped: the current turn travels in the rendered
// user prompt, not in history. Compressed summaries are folded into the
// system message under a heading instead of appearing as assistant turns.
func (m *Manager) BuildContext(renderedSystem, renderedUser string) []llm.Message {
	m.mu.Lock()
	entries := make([]Entry, len(m.history))
	copy(entries, m.history)
	m.mu.Unlock()

	if n := len(entries); n > 0 && entries[n-1].Role == "user" && !entries[n-1].Compressed {
		entries = entries[:n-1]
	}

	var summaries []string
	var turns []Entry
	for _, e := range entries {
		if e.Compressed {
			summaries = append(summaries, e.Content)
			continue
		}
		turns = append(turns, e)
	}

	system := renderedSystem
	if len(summaries) > 0 {
		var b strings.Builder
		b.WriteString(system)
		if system != "" {
			b.WriteString("\n\n")
		}
		b.WriteString(summaryHeading)
		b.WriteString("\n")
		b.WriteString(strings.Join(summaries, "\n\n"))
		system = b.String()
	}

	msgs := make([]llm.Message, 0, len(turns)+2)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	for _, e := range turns {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	if renderedUser != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: renderedUser})
	}
	return msgs
}
