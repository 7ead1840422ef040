package chatrecord

// Rough token estimate matching the provider-side heuristic: about four
// bytes per token plus a fixed per-message overhead.
const (
	charsPerToken    = 4
	perMessageTokens = 4
)

func estimateTokens(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += (len(e.Content)+charsPerToken-1)/charsPerToken + perMessageTokens
	}
	return total
}
