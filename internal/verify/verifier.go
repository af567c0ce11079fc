// Package verify extracts atomic claims from a persona summary and checks each one against
// the journal entries that were in the prompt. Keyword/regex based, no model calls: it is
// deterministic and cheap enough to run over every claim of every run.
package verify

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"context-lab/internal/model"
)

const (
	// SupportThreshold 最佳匹配分数低于此值视为没有证据
	SupportThreshold = 0.3
	// DuplicateJaccard 两条论断词集 Jaccard 超过此值视为重复
	DuplicateJaccard = 0.8

	termWeight    = 0.5
	jaccardWeight = 0.2
	weekdayBonus  = 0.15
	snippetPad    = 30
	keyTermMinLen = 4
)

type Claim struct {
	Text           string
	Type           model.ClaimType
	IsSupported    bool
	Confidence     float64
	ReferencedDate *time.Time
	Receipt        *Receipt
}

// Receipt the best-matching journal entry for a supported claim.
type Receipt struct {
	EntryID    uint
	EntryDate  time.Time
	Snippet    string
	Confidence float64
}

var (
	sentenceSplitRe = regexp.MustCompile(`[.!?\n]+`)
	secondPersonRe  = regexp.MustCompile(`(?i)\byour?\b`)
	weekdayRe       = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// ExtractAndVerify 抽取第二人称论断并逐条与日志比对，返回去重后的结果（保持出现顺序）
func ExtractAndVerify(summary string, entries []model.JournalEntry) []Claim {
	var claims []Claim
	for _, sentence := range Sentences(summary) {
		m := classify(sentence)
		if m == nil {
			continue
		}
		claims = append(claims, verifyClaim(sentence, m, entries))
	}
	return Dedup(claims)
}

// Sentences candidate claim sentences: second person and longer than 10 chars.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceSplitRe.Split(text, -1) {
		s = strings.TrimSpace(s)
		if len(s) <= 10 || !secondPersonRe.MatchString(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Verdict maps a raw best-match score onto (supported, confidence).
func Verdict(score float64) (bool, float64) {
	score = clamp(score)
	if score < SupportThreshold {
		return false, 0
	}
	return true, score
}

func verifyClaim(sentence string, m *matcher, entries []model.JournalEntry) Claim {
	claim := Claim{Text: sentence, Type: m.kind}

	day, hasDay := referencedWeekday(sentence)
	if hasDay {
		claim.ReferencedDate = latestOnWeekday(entries, day)
	}

	terms := KeyTerms(sentence, keyTermMinLen)
	bestScore := 0.0
	var best *Receipt
	for i := range entries {
		e := &entries[i]
		dayBonus := 0.0
		if hasDay && e.EntryDate.Weekday() == day {
			dayBonus = weekdayBonus
		}
		for _, field := range []string{e.EmotionalState, e.SessionReflection, e.MentalBarriers} {
			if strings.TrimSpace(field) == "" {
				continue
			}
			score, snippet := scoreField(sentence, terms, field, m)
			score = clamp(score + dayBonus)
			// 严格大于才替换：同分时保留先出现的日志
			if score > bestScore {
				bestScore = score
				best = &Receipt{EntryID: e.ID, EntryDate: e.EntryDate, Snippet: snippet, Confidence: score}
			}
		}
	}

	claim.IsSupported, claim.Confidence = Verdict(bestScore)
	if claim.IsSupported {
		claim.Receipt = best
	}
	return claim
}

// scoreField 0.5*命中词比例 + 类型加分 + 0.2*Jaccard（未含星期加分）
func scoreField(sentence string, terms []string, field string, m *matcher) (float64, string) {
	lower := strings.ToLower(field)
	found := 0
	longest := ""
	for _, t := range terms {
		if strings.Contains(lower, t) {
			found++
			if len(t) > len(longest) {
				longest = t
			}
		}
	}

	score := 0.0
	if len(terms) > 0 {
		score += termWeight * float64(found) / float64(len(terms))
	}
	if m.bonus != nil {
		score += m.bonus(sentence, field)
	}
	score += jaccardWeight * Jaccard(sentence, field)

	return score, snippetAround(field, longest)
}

// snippetAround ±30 chars around the first case-insensitive hit of term.
func snippetAround(text, term string) string {
	if term == "" {
		return truncate(text, 2*snippetPad)
	}
	// term 来自 Words，已是小写 ASCII
	idx := strings.Index(asciiLower(text), term)
	if idx < 0 {
		return truncate(text, 2*snippetPad)
	}
	start := idx - snippetPad
	if start < 0 {
		start = 0
	}
	end := idx + len(term) + snippetPad
	if end > len(text) {
		end = len(text)
	}
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.TrimSpace(text[start:end])
}

// asciiLower 只转换 A-Z，保持字节偏移与原文一致
func asciiLower(text string) string {
	b := []byte(text)
	for i, ch := range b {
		if 'A' <= ch && ch <= 'Z' {
			b[i] = ch + 'a' - 'A'
		}
	}
	return string(b)
}

func truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(string([]rune(text)[:n]))
}

func referencedWeekday(sentence string) (time.Weekday, bool) {
	m := weekdayRe.FindStringSubmatch(sentence)
	if m == nil {
		return 0, false
	}
	return weekdays[strings.ToLower(m[1])], true
}

// latestOnWeekday 该星期几最近的一篇日志日期；没有则 nil
func latestOnWeekday(entries []model.JournalEntry, day time.Weekday) *time.Time {
	var latest *time.Time
	for i := range entries {
		d := entries[i].EntryDate
		if d.Weekday() != day {
			continue
		}
		if latest == nil || d.After(*latest) {
			t := d
			latest = &t
		}
	}
	return latest
}

// Dedup drops near-duplicate claims (word-set Jaccard > 0.8), keeping the higher
// confidence one; on a tie the earlier claim stays.
func Dedup(claims []Claim) []Claim {
	var kept []Claim
	for _, c := range claims {
		dup := -1
		for j := range kept {
			if Jaccard(c.Text, kept[j].Text) > DuplicateJaccard {
				dup = j
				break
			}
		}
		switch {
		case dup < 0:
			kept = append(kept, c)
		case c.Confidence > kept[dup].Confidence:
			kept[dup] = c
			kept = collapse(kept, dup)
		}
	}
	return kept
}

// collapse 替换后的 kept[i] 可能与其他已保留的 claim 相似，反复合并直到没有相似对
func collapse(kept []Claim, i int) []Claim {
	for {
		j := -1
		for k := range kept {
			if k != i && Jaccard(kept[i].Text, kept[k].Text) > DuplicateJaccard {
				j = k
				break
			}
		}
		if j < 0 {
			return kept
		}
		// 置信度高者留下；相同时靠前的留下
		if kept[j].Confidence > kept[i].Confidence || (kept[j].Confidence == kept[i].Confidence && j < i) {
			i, j = j, i
		}
		kept = append(kept[:j], kept[j+1:]...)
		if j < i {
			i--
		}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
