// Package domain contains core domain types for the ai-tanken chat service.
package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Turns are never mutated after
// creation; the full ordered sequence is persisted after every append.
type Turn struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
}

// NewTurn creates a turn with a fresh ID and the current timestamp.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Role:    role,
		Content: content,
	}
}

// Wire converts a turn to the {role, content} shape the completion
// endpoint expects.
func (t Turn) Wire() WireMessage {
	return WireMessage{Role: string(t.Role), Content: t.Content}
}

// Stored converts a turn to the {role, text} shape the guardian dashboard
// reads from session snapshots.
func (t Turn) Stored() StoredMessage {
	return StoredMessage{Role: string(t.Role), Text: t.Content}
}

// WireMessage is a single {role, content} entry in a completion request.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StoredMessage is a single {role, text} entry in a persisted session
// snapshot.
type StoredMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// maxTextDepth bounds the recursive unwrap in TextOf. Stored payloads nest a
// couple of levels at most; anything deeper is treated as unrecoverable.
const maxTextDepth = 8

// textKeys are the object keys commonly carrying message text, checked in
// order.
var textKeys = []string{"content", "text", "message", "msg", "value"}

// textListKeys are the object keys commonly carrying lists of text-bearing
// parts, checked in order.
var textListKeys = []string{"parts", "contents", "messages"}

// TextOf coerces a decoded JSON value to its text content. Strings pass
// through, numbers and booleans are formatted, arrays are concatenated, and
// objects are unwrapped through well-known keys up to a fixed depth. Values
// that carry no recoverable text collapse to the empty string, never to a
// placeholder.
func TextOf(v any) string {
	return textOf(v, 0)
}

func textOf(v any, depth int) string {
	if depth > maxTextDepth {
		return ""
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []any:
		var out string
		for _, e := range t {
			out += textOf(e, depth+1)
		}
		return out
	case map[string]any:
		for _, k := range textKeys {
			if d, ok := t[k]; ok && d != nil {
				return textOf(d, depth+1)
			}
		}
		for _, k := range textListKeys {
			if arr, ok := t[k].([]any); ok {
				var out string
				for _, e := range arr {
					out += textOf(e, depth+1)
				}
				return out
			}
		}
		// Last resort: the raw object, but never "{}" noise.
		b, err := json.Marshal(t)
		if err != nil || string(b) == "{}" {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

// NormalizeTurn rebuilds a Turn from an arbitrarily shaped decoded payload.
// It tolerates legacy field names (text/message/msg, created_at) and
// unknown roles, which collapse to assistant. Normalizing an
// already-normalized turn is a no-op apart from JSON round-trip precision.
func NormalizeTurn(raw any) Turn {
	m, _ := raw.(map[string]any)

	var body any = raw
	if m != nil {
		body = nil
		for _, k := range textKeys {
			if v, ok := m[k]; ok && v != nil {
				body = v
				break
			}
		}
		if body == nil {
			body = m
		}
	}

	t := Turn{
		Role:    RoleAssistant,
		Content: TextOf(body),
	}
	if s, ok := stringField(m, "role"); ok && s == string(RoleUser) {
		t.Role = RoleUser
	}
	if s, ok := stringField(m, "id"); ok {
		t.ID = s
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for _, k := range []string{"ts", "created_at"} {
		if s, ok := stringField(m, k); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				t.TS = ts
				break
			}
		}
	}
	if t.TS.IsZero() {
		t.TS = time.Now().UTC()
	}
	return t
}

// NormalizeTurns normalizes a decoded message array, dropping nothing:
// elements without recoverable text become empty-content turns, matching
// the lenient shape handling of stored history.
func NormalizeTurns(raw []any) []Turn {
	out := make([]Turn, 0, len(raw))
	for _, r := range raw {
		out = append(out, NormalizeTurn(r))
	}
	return out
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
