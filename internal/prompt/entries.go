package prompt

import (
	"fmt"
	"strings"
	"time"

	"context-lab/internal/model"
)

const (
	OrderChronological = "chronological"
	OrderReverse       = "reverse"

	// RecentWindow compression 的 "recent" 变体只保留最近 7 篇
	RecentWindow = 7

	compressedFieldLen = 80
)

func ValidOrder(order string) bool {
	return order == OrderChronological || order == OrderReverse
}

// Order returns a reordered copy. Input is expected oldest first.
func Order(entries []model.JournalEntry, order string) ([]model.JournalEntry, error) {
	out := make([]model.JournalEntry, len(entries))
	copy(out, entries)
	switch order {
	case OrderChronological, "":
		return out, nil
	case OrderReverse:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%q: %w", order, ErrUnknownOrder)
}

// Limit keeps the most recent n entries (by position, input oldest first); n<=0 keeps all.
func Limit(entries []model.JournalEntry, n int) []model.JournalEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// FormatEntries raw context: one block per entry.
func FormatEntries(entries []model.JournalEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(fmt.Sprintf("### %s (%s)\n", e.EntryDate.Format("2006-01-02"), e.EntryDate.Weekday()))
		if e.EmotionalState != "" {
			b.WriteString(fmt.Sprintf("Emotional state: %s\n", e.EmotionalState))
		}
		if e.SessionReflection != "" {
			b.WriteString(fmt.Sprintf("Session reflection: %s\n", e.SessionReflection))
		}
		if e.MentalBarriers != "" {
			b.WriteString(fmt.Sprintf("Mental barriers: %s\n", e.MentalBarriers))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// CompressEntry single-line form: date | mood | session | barriers, each field truncated.
func CompressEntry(e model.JournalEntry) string {
	parts := []string{e.EntryDate.Format("2006-01-02 Mon")}
	if s := squash(e.EmotionalState); s != "" {
		parts = append(parts, "mood: "+s)
	}
	if s := squash(e.SessionReflection); s != "" {
		parts = append(parts, "session: "+s)
	}
	if s := squash(e.MentalBarriers); s != "" {
		parts = append(parts, "barriers: "+s)
	}
	return strings.Join(parts, " | ")
}

func CompressEntries(entries []model.JournalEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, CompressEntry(e))
	}
	return strings.Join(lines, "\n") + "\n"
}

func squash(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > compressedFieldLen {
		return string(r[:compressedFieldLen-3]) + "..."
	}
	return s
}

// NeedleEntry a synthetic entry carrying the needle fact in its session reflection.
func NeedleEntry(fact string, date time.Time) model.JournalEntry {
	return model.JournalEntry{
		EntryDate:         date,
		SessionReflection: fmt.Sprintf("Worth remembering: %s.", fact),
	}
}

// InsertAt returns a copy of entries with needle at index 0 (start), count/2 (middle) or count (end).
func InsertAt(entries []model.JournalEntry, needle model.JournalEntry, pos model.Position) []model.JournalEntry {
	idx := InsertIndex(len(entries), pos)
	out := make([]model.JournalEntry, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, needle)
	out = append(out, entries[idx:]...)
	return out
}

func InsertIndex(count int, pos model.Position) int {
	switch pos {
	case model.PositionStart:
		return 0
	case model.PositionMiddle:
		return count / 2
	default:
		return count
	}
}
