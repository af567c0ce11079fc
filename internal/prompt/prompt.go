// Package prompt builds persona system prompts and the journal context fed to the model.
package prompt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPersona = errors.New("unknown persona")
	ErrUnknownVersion = errors.New("unknown prompt version")
	ErrUnknownOrder   = errors.New("unknown entry order")
)

const (
	PersonaGoggins = "goggins"
	PersonaLasso   = "lasso"
)

// Personas persona runs generate one summary per persona, in this order.
var Personas = []string{PersonaGoggins, PersonaLasso}

var personaVoices = map[string]string{
	PersonaGoggins: `You are a relentless endurance coach in the style of David Goggins.
You are blunt and intense and you never accept excuses. You call out skipped sessions and
self-pity directly, and you demand ownership.`,
	PersonaLasso: `You are a warm, optimistic coach in the style of Ted Lasso.
You lead with empathy and humor. You celebrate small wins and treat setbacks as part of
the journey, but you still notice when something is wrong.`,
}

// 不同版本只改输出约束，人格部分保持一致，便于对比
var versionRules = map[string]string{
	"v1": `Write a weekly summary addressed directly to the athlete ("you").
Reference concrete things from their journal. Keep it under 200 words.`,
	"v2": `Write a weekly summary addressed directly to the athlete ("you").
Every statement about the athlete must come from the journal entries below; mention the
weekday when you refer to a specific session. Do not invent injuries, races or feelings.
Keep it under 200 words.`,
}

func ValidPersona(persona string) bool {
	_, ok := personaVoices[persona]
	return ok
}

func ValidVersion(version string) bool {
	_, ok := versionRules[version]
	return ok
}

// SystemPrompt persona voice + version-specific output rules.
func SystemPrompt(persona, version string) (string, error) {
	voice, ok := personaVoices[persona]
	if !ok {
		return "", fmt.Errorf("%q: %w", persona, ErrUnknownPersona)
	}
	rules, ok := versionRules[version]
	if !ok {
		return "", fmt.Errorf("%q: %w", version, ErrUnknownVersion)
	}
	return voice + "\n\n" + rules, nil
}

// UserPrompt wraps a formatted journal context.
func UserPrompt(journal string) string {
	var b strings.Builder
	b.WriteString("Here are the athlete's journal entries for the period:\n\n")
	b.WriteString(journal)
	b.WriteString("\nWrite this week's summary for the athlete.")
	return b.String()
}
