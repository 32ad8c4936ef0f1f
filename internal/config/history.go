package config

import (
	"sort"
	"strings"
	"time"
)

// DefaultHistoryLimit bounds the retained comment history.
const DefaultHistoryLimit = 50

// CommentHistoryEntry is a reusable comment text.
type CommentHistoryEntry struct {
	Text     string    `json:"text"`
	LastUsed time.Time `json:"last_used"`
}

// touchHistory upserts text with LastUsed = at and evicts the oldest entries
// beyond limit. The result is ordered by LastUsed descending.
func touchHistory(entries []CommentHistoryEntry, text string, at time.Time, limit int) []CommentHistoryEntry {
	text = strings.TrimSpace(text)
	out := make([]CommentHistoryEntry, 0, len(entries)+1)
	found := false
	for _, e := range entries {
		if e.Text == text {
			e.LastUsed = at
			found = true
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, CommentHistoryEntry{Text: text, LastUsed: at})
	}
	sortRecent(out)
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortRecent(entries []CommentHistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUsed.After(entries[j].LastUsed)
	})
}

// Recent returns up to limit entries, most recently used first.
// A limit <= 0 returns all entries.
func Recent(entries []CommentHistoryEntry, limit int) []CommentHistoryEntry {
	out := make([]CommentHistoryEntry, len(entries))
	copy(out, entries)
	sortRecent(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
