// Package nickname extracts a nickname from a child's free-text answer.
//
// Extraction is deliberately narrow: it only fires on the turn immediately
// following an assistant message that asked for a nickname, and only while
// the profile has no nickname and no lock. It is best-effort: a missed
// extraction just leaves the nickname unset, and the guard plus a small
// denylist are the only mitigations against false positives.
package nickname

import (
	"regexp"
	"strings"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
)

// A nickname prompt must mention the topic and invite an answer.
var (
	promptTopic  = regexp.MustCompile(`ニックネーム`)
	promptInvite = regexp.MustCompile(`教えて|おしえて|呼んでもいい|呼び方`)
)

// Conversational filler the child may lead with, stripped before matching.
var fillerPrefix = regexp.MustCompile(`^(?:いま|今|えっと|あの|うーん|その|ええと)[、,\s]+`)

// nameClass covers hiragana, katakana, kanji, and Latin letters.
const nameClass = `[ぁ-んァ-ヶ一-龠A-Za-z]`

// The pattern families, applied in fixed order. The order is observable
// behavior: the first family that matches wins and later families are not
// consulted.
var (
	// 「ぼくは たろう」「わたしは花子」「ぼくはたろうです」
	selfIntro = regexp.MustCompile(`(?:ぼく|僕|わたし|私)は\s*(` + nameClass + `{1,12})`)
	// 「なまえは たろう」「名前は花子です」
	nameIs = regexp.MustCompile(`(?:名前|なまえ)は\s*(` + nameClass + `{1,12})`)
	// 「たろうです」「はなこだよ」
	terminal = regexp.MustCompile(`^(` + nameClass + `{1,12})\s*(?:です|だよ|だ)$`)
	// 1語だけの回答（例:「たなか」）
	bareToken = regexp.MustCompile(`^(` + nameClass + `{2,8})$`)
)

// copulaSuffixes are trailing copulas stripped from a greedy capture so
// 「たろうです」 yields たろう. Order matters: だよ before だ.
var copulaSuffixes = []string{"です", "だよ", "だ"}

// denylist holds common interjections a bare one-word answer must not be
// mistaken for.
var denylist = map[string]struct{}{
	"はい":    {},
	"うん":    {},
	"えっと":   {},
	"あの":    {},
	"こんにちは": {},
	"ありがとう": {},
}

// IsPrompt reports whether assistant text is asking for a nickname.
func IsPrompt(text string) bool {
	t := strings.TrimSpace(text)
	return promptTopic.MatchString(t) && promptInvite.MatchString(t)
}

// ShouldAttempt reports whether extraction may run against the next user
// turn: the nickname must be empty and unlocked, and the most recent
// assistant turn must be a nickname prompt.
func ShouldAttempt(lastAssistantText string, p domain.Profile) bool {
	if p.NicknameLocked || p.HasNickname() {
		return false
	}
	return IsPrompt(lastAssistantText)
}

// Extract returns the nickname found in a child's answer, or "" when none
// of the pattern families match.
func Extract(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	t = fillerPrefix.ReplaceAllString(t, "")

	for _, re := range []*regexp.Regexp{selfIntro, nameIs} {
		if m := re.FindStringSubmatch(t); m != nil {
			if name := stripCopula(m[1]); name != "" {
				return name
			}
		}
	}

	if m := terminal.FindStringSubmatch(t); m != nil {
		return m[1]
	}

	if m := bareToken.FindStringSubmatch(t); m != nil {
		if _, blocked := denylist[m[1]]; !blocked {
			return m[1]
		}
	}

	return ""
}

// stripCopula removes a trailing copula from a captured candidate. The name
// class includes hiragana, so a greedy capture of 「たろうです」 keeps the
// です; the copula is never part of the name.
func stripCopula(s string) string {
	for _, suf := range copulaSuffixes {
		if t := strings.TrimSuffix(s, suf); t != s {
			return t
		}
	}
	return s
}
