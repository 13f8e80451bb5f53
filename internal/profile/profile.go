// Package profile manages the per-child profile record: local cache first,
// remote record as best-effort enrichment.
//
// Precedence rule: a remote-sourced nickname never overwrites a nickname
// already present locally; a remote grade always wins when valid. Local
// persistence is synchronous on every mutation; the remote push is debounced
// so a burst of edits collapses into one upstream write.
package profile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/remote"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

// Syncer is the remote profile surface the store depends on.
type Syncer interface {
	FetchChildProfile(ctx context.Context, token, childID string) (*remote.ChildProfile, error)
	UpdateChildProfile(ctx context.Context, token, childID string, patch remote.ProfilePatch) error
}

// Store holds the profile for one scope. All mutation goes through the
// store, which persists locally inside the same critical section that
// changed the in-memory record, so memory and cache never diverge.
type Store struct {
	repo     store.Repository
	sync     Syncer
	scope    identity.Scope
	debounce time.Duration

	mu      sync.Mutex
	profile domain.Profile
	timer   *time.Timer
	closed  bool
}

// NewStore creates a profile store for a scope. Call Load before use and
// Close on teardown.
func NewStore(repo store.Repository, syncer Syncer, scope identity.Scope, debounce time.Duration) *Store {
	return &Store{
		repo:     repo,
		sync:     syncer,
		scope:    scope,
		debounce: debounce,
		profile:  domain.DefaultProfile(),
	}
}

// Load reads the cached profile for the scope. Absent or unreadable rows
// silently yield defaults; load never fails the caller.
func (s *Store) Load(ctx context.Context) domain.Profile {
	p, err := s.repo.GetProfile(ctx, s.scope.Key())
	if err != nil {
		slog.Warn("profile load failed, using defaults", "scope", s.scope.Key(), "error", err)
		p = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p != nil {
		s.profile = *p
	} else {
		s.profile = domain.DefaultProfile()
	}
	return s.profile
}

// Current returns the in-memory profile.
func (s *Store) Current() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// ReconcileRemote enriches the local profile from the remote children
// record. Grade applies unconditionally when valid; nickname applies only
// when no local nickname is set, and then locks. Every failure here is
// logged and swallowed; reconciliation must never block or corrupt local
// state. A context cancelled by a scope switch discards the response
// instead of applying it.
func (s *Store) ReconcileRemote(ctx context.Context, token string) {
	if token == "" || s.scope.IsAnonymous() {
		return
	}

	rp, err := s.sync.FetchChildProfile(ctx, token, s.scope.Key())
	if err != nil {
		slog.Warn("remote profile fetch failed", "scope", s.scope.Key(), "error", err)
		return
	}
	if rp == nil || ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if rp.Grade != "" && domain.ValidGrade(rp.Grade) && s.profile.Grade != domain.Grade(rp.Grade) {
		s.profile.Grade = domain.Grade(rp.Grade)
		changed = true
	}
	if rp.Nickname != "" && !s.profile.HasNickname() {
		s.profile.Nickname = rp.Nickname
		s.profile.NicknameLocked = true
		changed = true
	}
	if changed {
		s.persistLocked(ctx)
	}
}

// SetGrade records a grade edit and schedules a remote push.
func (s *Store) SetGrade(ctx context.Context, g domain.Grade, token string) {
	if !domain.ValidGrade(string(g)) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Grade = g
	s.persistLocked(ctx)
	s.schedulePushLocked(token)
}

// SetNickname records a direct nickname edit. A non-blank value locks the
// nickname against inference; clearing the field unlocks it, re-enabling
// automatic extraction.
func (s *Store) SetNickname(ctx context.Context, v, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Nickname = v
	s.profile.NicknameLocked = strings.TrimSpace(v) != ""
	s.persistLocked(ctx)
	s.schedulePushLocked(token)
}

// AdoptInferred applies a nickname produced by inference. It only succeeds
// while the nickname is empty and unlocked, and locks on success.
func (s *Store) AdoptInferred(ctx context.Context, name, token string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile.NicknameLocked || strings.TrimSpace(s.profile.Nickname) != "" {
		return false
	}
	s.profile.Nickname = name
	s.profile.NicknameLocked = true
	s.persistLocked(ctx)
	s.schedulePushLocked(token)
	return true
}

// Close cancels any pending debounced push. Scope teardown calls this so a
// push scheduled for an old scope never fires after a switch.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// persistLocked writes the profile to the local cache. Callers hold s.mu.
// Failures are logged and swallowed: the in-memory record stays
// authoritative for the session and the next successful write catches up.
func (s *Store) persistLocked(ctx context.Context) {
	if err := s.repo.SaveProfile(ctx, s.scope.Key(), s.profile); err != nil {
		slog.Warn("profile persist failed", "scope", s.scope.Key(), "error", err)
	}
}

// schedulePushLocked (re)arms the debounced remote push. Each edit within
// the window restarts the timer; only the last scheduled push per burst
// executes, with the scope, token, and payload captured at fire time under
// the lock. Callers hold s.mu.
func (s *Store) schedulePushLocked(token string) {
	if s.closed || token == "" || s.scope.IsAnonymous() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.push(token)
	})
}

// push sends the current grade and nickname upstream. Failure is non-fatal
// and only logged; the local cache already holds the truth.
func (s *Store) push(token string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	patch := remote.ProfilePatch{
		Grade:    string(s.profile.Grade),
		Nickname: strings.TrimSpace(s.profile.Nickname),
	}
	scope := s.scope
	s.mu.Unlock()

	if patch.IsEmpty() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sync.UpdateChildProfile(ctx, token, scope.Key(), patch); err != nil {
		slog.Warn("remote profile push failed", "scope", scope.Key(), "error", err)
	}
}
