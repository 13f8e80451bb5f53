// Package curriculum holds the week-by-week tutoring configuration: per-week
// titles, opening messages, and system prompts. Weeks are loaded once from an
// embedded YAML document at init.
package curriculum

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed weeks.yaml
var weeksYAML []byte

// Week is one curriculum week's configuration.
type Week struct {
	ID             string `yaml:"id"`
	Title          string `yaml:"title"`
	OpeningMessage string `yaml:"opening_message"`
	SystemPrompt   string `yaml:"system_prompt"`
}

// DefaultWeekID is the week assumed when no preference is stored.
const DefaultWeekID = "week1"

var weekPattern = regexp.MustCompile(`^week([1-9]|10)$`)

var (
	weeks   map[string]Week
	weekIDs []string
)

func init() {
	var doc struct {
		Weeks []Week `yaml:"weeks"`
	}
	if err := yaml.Unmarshal(weeksYAML, &doc); err != nil {
		panic(fmt.Sprintf("curriculum: parse embedded weeks.yaml: %v", err))
	}
	weeks = make(map[string]Week, len(doc.Weeks))
	for _, w := range doc.Weeks {
		if !weekPattern.MatchString(w.ID) {
			panic(fmt.Sprintf("curriculum: invalid week id %q in weeks.yaml", w.ID))
		}
		if w.OpeningMessage == "" || w.SystemPrompt == "" {
			panic(fmt.Sprintf("curriculum: week %q is missing opening_message or system_prompt", w.ID))
		}
		weeks[w.ID] = w
		weekIDs = append(weekIDs, w.ID)
	}
	if _, ok := weeks[DefaultWeekID]; !ok {
		panic("curriculum: weeks.yaml does not define " + DefaultWeekID)
	}
}

// Normalize trims and lowercases a week identifier and reports whether it
// names a configured week.
func Normalize(id string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(id))
	if t == "" || !weekPattern.MatchString(t) {
		return "", false
	}
	if _, ok := weeks[t]; !ok {
		return "", false
	}
	return t, true
}

// Get returns the configuration for a week, falling back to the default
// week for unknown identifiers.
func Get(id string) Week {
	if w, ok := weeks[id]; ok {
		return w
	}
	return weeks[DefaultWeekID]
}

// IDs returns all configured week identifiers in curriculum order.
func IDs() []string {
	out := make([]string, len(weekIDs))
	copy(out, weekIDs)
	return out
}
