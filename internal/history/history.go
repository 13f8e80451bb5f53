// Package history manages the ordered transcript of one chat scope.
//
// The transcript lives in memory and is persisted whole to the local cache
// after every mutation, inside the same critical section that mutated it.
// Remote resumption only ever runs against a conversation that still looks
// fresh, so a stale remote snapshot can never clobber in-progress local
// chat.
package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skkmth-sudo/ai-tanken/internal/curriculum"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

// Resumer is the remote session surface the store depends on.
type Resumer interface {
	FetchLatestSession(ctx context.Context, token, childID string) ([]any, error)
}

// Store holds the transcript for one scope.
type Store struct {
	repo            store.Repository
	resume          Resumer
	scope           identity.Scope
	resumeThreshold int

	mu    sync.Mutex
	turns []domain.Turn
}

// NewStore creates a history store for a scope. Call Load before use.
func NewStore(repo store.Repository, resumer Resumer, scope identity.Scope, resumeThreshold int) *Store {
	return &Store{
		repo:            repo,
		resume:          resumer,
		scope:           scope,
		resumeThreshold: resumeThreshold,
	}
}

// Load reads the scope's transcript from the local cache. When the cache is
// absent or corrupt, the conversation is seeded with the week's opening
// assistant turn, persisted, and returned.
func (s *Store) Load(ctx context.Context, week curriculum.Week) []domain.Turn {
	turns, err := s.repo.GetTranscript(ctx, s.scope.Key())
	if err != nil {
		slog.Warn("transcript load failed, reseeding", "scope", s.scope.Key(), "error", err)
		turns = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(turns) > 0 {
		s.turns = turns
		return s.snapshotLocked()
	}

	s.turns = []domain.Turn{domain.NewTurn(domain.RoleAssistant, week.OpeningMessage)}
	s.persistLocked(ctx)
	return s.snapshotLocked()
}

// TryResumeFromRemote replaces a fresh-looking local transcript with the
// most recent remote session snapshot. It is a no-op when the local
// sequence already has resumeThreshold or more turns (that conversation is
// in progress and must not be clobbered) and when unauthenticated or
// anonymous. Failures are logged and swallowed; resumption is best-effort.
// A context cancelled by a scope switch discards the snapshot.
func (s *Store) TryResumeFromRemote(ctx context.Context, token string) {
	if token == "" || s.scope.IsAnonymous() {
		return
	}

	s.mu.Lock()
	eligible := len(s.turns) < s.resumeThreshold
	s.mu.Unlock()
	if !eligible {
		return
	}

	raw, err := s.resume.FetchLatestSession(ctx, token, s.scope.Key())
	if err != nil {
		slog.Warn("remote session fetch failed", "scope", s.scope.Key(), "error", err)
		return
	}
	if len(raw) == 0 || ctx.Err() != nil {
		return
	}

	restored := domain.NormalizeTurns(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the lock: a send may have raced the fetch.
	if len(s.turns) >= s.resumeThreshold {
		return
	}
	s.turns = restored
	s.persistLocked(ctx)
}

// Append adds a turn to the sequence and persists the full transcript.
func (s *Store) Append(ctx context.Context, t domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	s.persistLocked(ctx)
}

// Turns returns a copy of the full ordered sequence.
func (s *Store) Turns() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Recent returns a copy of the most recent n turns.
func (s *Store) Recent(n int) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.turns) {
		return s.snapshotLocked()
	}
	out := make([]domain.Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// LastAssistant returns the most recent assistant turn.
func (s *Store) LastAssistant() (domain.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == domain.RoleAssistant {
			return s.turns[i], true
		}
	}
	return domain.Turn{}, false
}

// Reset discards all turns, re-seeds with the week's opening turn,
// persists, and returns the new sequence. Callers are responsible for
// confirming the action with the user first.
func (s *Store) Reset(ctx context.Context, week curriculum.Week) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = []domain.Turn{domain.NewTurn(domain.RoleAssistant, week.OpeningMessage)}
	s.persistLocked(ctx)
	return s.snapshotLocked()
}

// SwitchWeek appends the new week's opening turn without discarding prior
// history.
func (s *Store) SwitchWeek(ctx context.Context, week curriculum.Week) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, domain.NewTurn(domain.RoleAssistant, week.OpeningMessage))
	s.persistLocked(ctx)
}

// Len returns the current turn count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// persistLocked writes the full sequence to the local cache. Callers hold
// s.mu. Failure is logged and swallowed; memory stays authoritative and the
// next mutation retries the write.
func (s *Store) persistLocked(ctx context.Context) {
	if err := s.repo.SaveTranscript(ctx, s.scope.Key(), s.turns); err != nil {
		slog.Warn("transcript persist failed", "scope", s.scope.Key(), "error", err)
	}
}

func (s *Store) snapshotLocked() []domain.Turn {
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}
