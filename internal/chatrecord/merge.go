package chatrecord

import "strings"

// mergeConsecutive collapses adjacent entries with the same role into one
// entry. Contents join with a newline and the merged entry keeps the later
// timestamp. Compressed entries never merge, in either direction.
func mergeConsecutive(entries []Entry) []Entry {
	if len(entries) < 2 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if !last.Compressed && !e.Compressed && last.Role == e.Role {
				last.Content = strings.Join([]string{last.Content, e.Content}, "\n")
				if e.CreatedAt.After(last.CreatedAt) {
					last.CreatedAt = e.CreatedAt
				}
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
