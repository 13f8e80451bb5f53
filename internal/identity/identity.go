// Package identity resolves the active child scope: the per-child key under
// which profile and history are isolated.
//
// A scope is resolved once per request from an explicit parameter (a deep
// link from the guardian dashboard), else from the remembered last-used
// value, else the anonymous sentinel. Absence of a real scope is a valid,
// degraded state: remote reconciliation and finalization are disabled but
// local chat still works.
package identity

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

const (
	// ChildIDParam is the deep-link query parameter carrying a scope.
	ChildIDParam = "childId"
	// ChildIDHeader is the header equivalent for non-browser clients.
	ChildIDHeader = "X-Tanken-Child-ID"
)

// Scope is a child scope key.
type Scope string

// Anonymous is the sentinel scope used when no child has been selected.
// The key matches what the product has always written to local storage.
const Anonymous Scope = "_no_child"

// IsAnonymous reports whether the scope is the no-child sentinel.
func (s Scope) IsAnonymous() bool {
	return s == Anonymous
}

// Key returns the storage key for this scope.
func (s Scope) Key() string {
	return string(s)
}

// Resolve determines the active scope. An explicit non-blank value wins and
// should be persisted as the new remembered value by the caller; otherwise
// the remembered value applies; otherwise the anonymous sentinel. There are
// no error conditions.
func Resolve(explicit, remembered string) Scope {
	if v := strings.TrimSpace(explicit); v != "" {
		return Scope(v)
	}
	if v := strings.TrimSpace(remembered); v != "" {
		return Scope(v)
	}
	return Anonymous
}

// IsUUID reports whether v is a well-formed child identifier. Scopes flow
// through storage keys unvalidated, but the API boundary only accepts real
// identifiers.
func IsUUID(v string) bool {
	_, err := uuid.Parse(strings.TrimSpace(v))
	return err == nil
}

type contextKey int

const (
	scopeKey contextKey = iota
	tokenKey
)

// ScopeFromContext extracts the active scope from the request context.
func ScopeFromContext(ctx context.Context) Scope {
	if v, ok := ctx.Value(scopeKey).(Scope); ok {
		return v
	}
	return Anonymous
}

// TokenFromContext extracts the bearer credential from the request context,
// "" when the caller is unauthenticated.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// WithScope returns a context carrying the given scope and token. Used by
// transports that resolve identity outside the HTTP middleware.
func WithScope(ctx context.Context, scope Scope, token string) context.Context {
	ctx = context.WithValue(ctx, scopeKey, scope)
	return context.WithValue(ctx, tokenKey, token)
}

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// BearerToken extracts the bearer credential from a request, "" when absent.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	m := bearerPattern.FindStringSubmatch(h)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Middleware resolves the child scope for each request and injects it,
// together with the bearer credential, into the request context.
//
// An explicit scope in the request becomes the new remembered value; the
// write is best-effort, since losing the remembered scope only costs a
// deep-link on the next visit.
func Middleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			explicit := r.URL.Query().Get(ChildIDParam)
			if explicit == "" {
				explicit = r.Header.Get(ChildIDHeader)
			}

			remembered := ""
			if strings.TrimSpace(explicit) == "" {
				remembered, _ = repo.GetPref(r.Context(), store.PrefLastChild)
			}

			scope := Resolve(explicit, remembered)
			if v := strings.TrimSpace(explicit); v != "" {
				if err := repo.SetPref(r.Context(), store.PrefLastChild, v); err != nil {
					slog.Warn("failed to remember child scope", "error", err)
				}
			}

			ctx := WithScope(r.Context(), scope, BearerToken(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
