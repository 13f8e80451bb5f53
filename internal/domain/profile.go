package domain

import "strings"

// Grade is an elementary-school grade, displayed and stored in Japanese.
type Grade string

const (
	Grade1 Grade = "小1"
	Grade2 Grade = "小2"
	Grade3 Grade = "小3"
	Grade4 Grade = "小4"
	Grade5 Grade = "小5"
	Grade6 Grade = "小6"
)

// DefaultGrade is assumed until a child's grade is known.
const DefaultGrade = Grade3

// Grades lists all grades in ascending order.
func Grades() []Grade {
	return []Grade{Grade1, Grade2, Grade3, Grade4, Grade5, Grade6}
}

// ValidGrade reports whether s is one of the six known grades.
func ValidGrade(s string) bool {
	for _, g := range Grades() {
		if string(g) == s {
			return true
		}
	}
	return false
}

// Profile is the lightweight per-child record merged from the local cache
// and the remote children record.
//
// NicknameLocked is true whenever the nickname was set by an explicit user
// edit or by a successful inference; while locked, automatic inference never
// overwrites it. Clearing the nickname clears the lock, re-enabling
// inference.
type Profile struct {
	Grade          Grade  `json:"grade"`
	Nickname       string `json:"nickname,omitempty"`
	NicknameLocked bool   `json:"nicknameLocked"`
}

// DefaultProfile is the profile assumed on first visit to a scope.
func DefaultProfile() Profile {
	return Profile{Grade: DefaultGrade}
}

// HasNickname reports whether a non-blank nickname is set.
func (p Profile) HasNickname() bool {
	return strings.TrimSpace(p.Nickname) != ""
}
