package verify

import (
	"regexp"
	"strings"

	"context-lab/internal/model"
)

// matcher 一个论断类型：pattern 决定句子是否属于该类型，bonus 是该类型的额外打分
type matcher struct {
	kind    model.ClaimType
	pattern *regexp.Regexp
	bonus   func(claim, field string) float64
}

// matchers 顺序即优先级：伤病、情绪在泛化的事件/进步之前判定，先命中者胜出
var matchers = []matcher{
	{
		kind:    model.ClaimInjury,
		pattern: regexp.MustCompile(`(?i)\b(injur\w*|pain\w*|sore\w*|shin splints?|strain\w*|sprain\w*|ache\w*|hurt\w*|tendon\w*|knee|ankle|hamstring|calf|cramp\w*|blisters?)\b`),
		bonus:   overlapBonus(injuryKeywords, 0.3),
	},
	{
		kind:    model.ClaimEmotion,
		pattern: regexp.MustCompile(`(?i)\byou\s+(felt|feel|were feeling|seemed|sounded|got)\b`),
		bonus:   sentimentBonus,
	},
	{
		kind:    model.ClaimEmotion,
		pattern: regexp.MustCompile(`(?i)\b(anxious|nervous|frustrated|happy|excited|confident|stressed|tired|exhausted|motivated|proud|angry|sad|overwhelmed|calm|disappointed|worried|scared)\b`),
		bonus:   sentimentBonus,
	},
	{
		kind:    model.ClaimSkipped,
		pattern: regexp.MustCompile(`(?i)\b(skipp\w*|missed|bailed|didn't (train|run|show)|rest day|day off|took (a|the) day off|cancel\w*)\b`),
		bonus:   overlapBonus(skippedKeywords, 0.25),
	},
	{
		kind:    model.ClaimEvent,
		pattern: regexp.MustCompile(`(?i)\b(race[sd]?|racing|competition|compet\w*|meet|game|match|tournament|marathon|trials?|time trial)\b`),
	},
	{
		kind:    model.ClaimBarrier,
		pattern: regexp.MustCompile(`(?i)\b(doubt\w*|fear\w*|afraid|barriers?|struggl\w*|block\w*|self-talk|hesitat\w*|pressure|overthink\w*)\b`),
		bonus:   overlapBonus(barrierKeywords, 0.25),
	},
	{
		kind:    model.ClaimProgress,
		pattern: regexp.MustCompile(`(?i)\b(improv\w*|progress\w*|stronger|faster|personal best|pr|breakthrough|better|gains?)\b`),
	},
}

var (
	injuryKeywords  = []string{"injur", "pain", "sore", "shin", "splint", "strain", "sprain", "ache", "hurt", "tendon", "knee", "ankle", "hamstring", "calf", "cramp", "blister"}
	skippedKeywords = []string{"skip", "missed", "rest day", "day off", "bail", "cancel", "didn't"}
	barrierKeywords = []string{"doubt", "fear", "afraid", "nervous", "anxi", "pressure", "confiden", "self-talk", "overthink", "stuck"}

	positiveWords = []string{"happy", "excited", "confident", "proud", "motivated", "calm", "great", "good", "strong", "positive", "relaxed", "energized", "grateful"}
	negativeWords = []string{"anxious", "nervous", "frustrated", "stressed", "tired", "exhausted", "angry", "sad", "overwhelmed", "disappointed", "worried", "down", "low", "scared", "drained"}
)

func classify(sentence string) *matcher {
	for i := range matchers {
		if matchers[i].pattern.MatchString(sentence) {
			return &matchers[i]
		}
	}
	return nil
}

// overlapBonus 0.1 per keyword present in both claim and field, capped.
func overlapBonus(keywords []string, limit float64) func(claim, field string) float64 {
	return func(claim, field string) float64 {
		claim = strings.ToLower(claim)
		field = strings.ToLower(field)
		bonus := 0.0
		for _, kw := range keywords {
			if strings.Contains(claim, kw) && strings.Contains(field, kw) {
				bonus += 0.1
			}
		}
		if bonus > limit {
			return limit
		}
		return bonus
	}
}

// sentimentBonus +0.3 when claim and field lean the same (non-neutral) way.
func sentimentBonus(claim, field string) float64 {
	c := sentiment(claim)
	if c != 0 && c == sentiment(field) {
		return 0.3
	}
	return 0
}

func sentiment(text string) int {
	score := 0
	for _, w := range Words(text) {
		for _, p := range positiveWords {
			if w == p {
				score++
			}
		}
		for _, n := range negativeWords {
			if w == n {
				score--
			}
		}
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	}
	return 0
}
