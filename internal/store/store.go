// Package store provides data persistence interfaces and implementations.
//
// The store is the device-local cache of the synchronization state machine:
// transcripts and profiles are keyed per child scope, so two scopes never
// read or write each other's rows, and a pair of global preference keys
// remembers the last used scope and week across restarts.
package store

import (
	"context"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
)

// Preference keys for the global (non-scoped) key/value rows.
const (
	PrefLastChild = "last_child_id"
	PrefLastWeek  = "last_week"
)

// Repository defines the interface for persisting chat state.
type Repository interface {
	// GetProfile retrieves the cached profile for a scope. Returns nil
	// (no error) when no profile has been stored yet.
	GetProfile(ctx context.Context, scope string) (*domain.Profile, error)

	// SaveProfile creates or replaces the cached profile for a scope.
	SaveProfile(ctx context.Context, scope string, p domain.Profile) error

	// GetTranscript retrieves the ordered turn sequence for a scope.
	// Returns nil (no error) when absent or unreadable; a corrupt row is
	// absorbed, logged, and treated as absent.
	GetTranscript(ctx context.Context, scope string) ([]domain.Turn, error)

	// SaveTranscript replaces the full turn sequence for a scope. Every
	// mutation site writes the complete ordered history.
	SaveTranscript(ctx context.Context, scope string, turns []domain.Turn) error

	// GetPref reads a global preference value, "" when unset.
	GetPref(ctx context.Context, key string) (string, error)

	// SetPref writes a global preference value.
	SetPref(ctx context.Context, key, value string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
