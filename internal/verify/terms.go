package verify

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`[a-z0-9']+`)

// 不参与匹配的高频词（含 "you/your" 以及总结里常见的转述动词）
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true, "was": true,
	"you": true, "your": true, "you're": true, "you've": true, "yours": true, "yourself": true,
	"this": true, "that": true, "with": true, "have": true, "had": true, "has": true, "having": true,
	"were": true, "been": true, "from": true, "about": true, "what": true, "when": true, "where": true,
	"into": true, "they": true, "them": true, "their": true, "there": true, "then": true, "than": true,
	"just": true, "also": true, "really": true, "very": true, "some": true, "more": true, "much": true,
	"would": true, "could": true, "should": true, "after": true, "before": true, "while": true,
	"during": true, "week": true, "weeks": true, "reported": true, "mentioned": true,
	"said": true, "noted": true, "wrote": true, "shared": true, "told": true, "seem": true, "seemed": true,
	"like": true, "felt": true, "feel": true, "feeling": true, "will": true, "still": true, "even": true,
	"every": true, "each": true, "which": true, "being": true, "over": true, "again": true, "only": true,
	"keep": true, "made": true, "make": true, "it's": true, "that's": true, "don't": true, "didn't": true,
}

// Words lowercase tokens of text, in order.
func Words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// KeyTerms unique non-stopword words of at least minLen bytes, in first-seen order.
func KeyTerms(text string, minLen int) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range Words(text) {
		w = strings.Trim(w, "'")
		if len(w) < minLen || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// Jaccard |A∩B| / |A∪B| over the word sets of a and b.
func Jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(text) {
		set[w] = true
	}
	return set
}
