// Package conversation implements the per-scope chat engine: the state
// machine that drives a send, enriches the profile through nickname
// inference, and keeps the transcript persisted after every change.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/skkmth-sudo/ai-tanken/internal/curriculum"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/history"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/nickname"
	"github.com/skkmth-sudo/ai-tanken/internal/profile"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

// Fallback assistant texts, verbatim from the product.
const (
	FallbackNoReply = "（返答がなかったよ）"
	FallbackError   = "エラーが起きたみたい。もう一度ためしてみてね。"
)

// CompletionRequest is what the engine hands to the completion endpoint:
// the active week, the scope, a bounded window of recent turns, and the
// profile as it should be seen for this send.
type CompletionRequest struct {
	ChildID   string
	Week      string
	Messages  []domain.WireMessage
	Grade     string
	Nickname  string
	Interests []string
	Token     string
}

// Completer produces an assistant reply for a completion request. An empty
// reply with a nil error means the upstream answered without text.
type Completer interface {
	Reply(ctx context.Context, req CompletionRequest) (string, error)
}

// State is a snapshot of the engine for transports to render.
type State struct {
	Scope   string         `json:"scope"`
	Week    string         `json:"week"`
	Profile domain.Profile `json:"profile"`
	Turns   []domain.Turn  `json:"turns"`
}

// Engine owns the conversation for one scope. All engine methods are safe
// for concurrent use; sends are single-flight, so a send arriving while one
// is in flight is dropped, not queued.
type Engine struct {
	scope     identity.Scope
	repo      store.Repository
	profiles  *profile.Store
	turns     *history.Store
	completer Completer
	window    int

	sending atomic.Bool

	mu        sync.Mutex
	week      curriculum.Week
	afterSend func()
}

// NewEngine creates an engine for a scope. Call Bootstrap before serving.
func NewEngine(
	scope identity.Scope,
	repo store.Repository,
	profiles *profile.Store,
	turns *history.Store,
	completer Completer,
	windowSize int,
) *Engine {
	return &Engine{
		scope:     scope,
		repo:      repo,
		profiles:  profiles,
		turns:     turns,
		completer: completer,
		window:    windowSize,
		week:      curriculum.Get(curriculum.DefaultWeekID),
	}
}

// SetAfterSend registers a hook that runs after every send attempt settles,
// successful or not. Transports use it as the cue to bring the latest turn
// into view.
func (e *Engine) SetAfterSend(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSend = fn
}

// Bootstrap loads scope state in dependency order: remembered week, local
// profile, remote profile reconciliation, local history, then remote
// resumption. Remote steps are best-effort and honor ctx cancellation for
// scope switches.
func (e *Engine) Bootstrap(ctx context.Context, token string) State {
	weekID, err := e.repo.GetPref(ctx, store.PrefLastWeek)
	if err != nil {
		slog.Warn("week preference load failed", "error", err)
	}
	if id, ok := curriculum.Normalize(weekID); ok {
		e.setWeek(curriculum.Get(id))
	}

	e.profiles.Load(ctx)
	e.profiles.ReconcileRemote(ctx, token)
	e.turns.Load(ctx, e.Week())
	e.turns.TryResumeFromRemote(ctx, token)

	return e.State()
}

// Week returns the active curriculum week.
func (e *Engine) Week() curriculum.Week {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.week
}

func (e *Engine) setWeek(w curriculum.Week) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.week = w
}

// State snapshots the engine.
func (e *Engine) State() State {
	return State{
		Scope:   e.scope.Key(),
		Week:    e.Week().ID,
		Profile: e.profiles.Current(),
		Turns:   e.turns.Turns(),
	}
}

// Send runs one turn of the conversation. It returns the appended user and
// assistant turns, or ok=false when the input was blank or another send was
// already in flight (the attempt is dropped, not queued).
//
// Transport failures never escape: the child sees a fixed apology turn and
// the conversation stays usable.
func (e *Engine) Send(ctx context.Context, input, token string) (userTurn, assistantTurn domain.Turn, ok bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return domain.Turn{}, domain.Turn{}, false
	}
	if !e.sending.CompareAndSwap(false, true) {
		return domain.Turn{}, domain.Turn{}, false
	}
	defer func() {
		e.sending.Store(false)
		e.mu.Lock()
		hook := e.afterSend
		e.mu.Unlock()
		if hook != nil {
			hook()
		}
	}()

	// Inference fires only on the answer to a nickname prompt. The nickname
	// used for this send is computed here, independent of the store update,
	// so the outgoing payload reflects the just-learned name even though
	// the profile write settles separately.
	prof := e.profiles.Current()
	nickForSend := prof.Nickname
	if last, hasLast := e.turns.LastAssistant(); hasLast && nickname.ShouldAttempt(last.Content, prof) {
		if extracted := nickname.Extract(input); extracted != "" {
			nickForSend = extracted
			e.profiles.AdoptInferred(ctx, extracted, token)
		}
	}

	// Optimistic append: the child's turn lands before the reply exists.
	userTurn = domain.NewTurn(domain.RoleUser, input)
	e.turns.Append(ctx, userTurn)

	recent := e.turns.Recent(e.window)
	messages := make([]domain.WireMessage, 0, len(recent))
	for _, t := range recent {
		messages = append(messages, t.Wire())
	}

	week := e.Week()
	reply, err := e.completer.Reply(ctx, CompletionRequest{
		ChildID:  e.scope.Key(),
		Week:     week.ID,
		Messages: messages,
		Grade:    string(prof.Grade),
		Nickname: strings.TrimSpace(nickForSend),
		Token:    token,
	})

	switch {
	case err != nil:
		slog.Warn("completion failed", "scope", e.scope.Key(), "error", err)
		assistantTurn = domain.NewTurn(domain.RoleAssistant, FallbackError)
	case reply == "":
		assistantTurn = domain.NewTurn(domain.RoleAssistant, FallbackNoReply)
	default:
		assistantTurn = domain.NewTurn(domain.RoleAssistant, reply)
	}
	e.turns.Append(ctx, assistantTurn)

	return userTurn, assistantTurn, true
}

// SwitchWeek activates a new curriculum week: the week's opening turn is
// appended without discarding prior history, and the preference is
// remembered globally.
func (e *Engine) SwitchWeek(ctx context.Context, weekID string) (State, bool) {
	id, valid := curriculum.Normalize(weekID)
	if !valid {
		return e.State(), false
	}
	w := curriculum.Get(id)
	e.setWeek(w)
	e.turns.SwitchWeek(ctx, w)
	if err := e.repo.SetPref(ctx, store.PrefLastWeek, w.ID); err != nil {
		slog.Warn("week preference persist failed", "error", err)
	}
	return e.State(), true
}

// Reset discards the scope's conversation and reseeds it with the active
// week's opening turn. The caller confirms with the user first.
func (e *Engine) Reset(ctx context.Context) State {
	e.turns.Reset(ctx, e.Week())
	return e.State()
}

// SetGrade applies a grade edit from the profile panel.
func (e *Engine) SetGrade(ctx context.Context, grade, token string) State {
	e.profiles.SetGrade(ctx, domain.Grade(grade), token)
	return e.State()
}

// SetNickname applies a nickname edit from the profile panel.
func (e *Engine) SetNickname(ctx context.Context, v, token string) State {
	e.profiles.SetNickname(ctx, v, token)
	return e.State()
}

// Turns exposes the full transcript, most recent last.
func (e *Engine) Turns() []domain.Turn {
	return e.turns.Turns()
}

// Scope returns the engine's scope.
func (e *Engine) Scope() identity.Scope {
	return e.scope
}

// Close tears the engine down, cancelling any pending profile push.
func (e *Engine) Close() {
	e.profiles.Close()
}
