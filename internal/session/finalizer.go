// Package session finalizes a conversation: the explicit "end of talk"
// action that flushes the transcript to the guardian-visible session store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/remote"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

// Status classifies a finalize outcome.
type Status string

const (
	// StatusSaved means the snapshot was written; the caller should
	// navigate to the guardian dashboard.
	StatusSaved Status = "saved"
	// StatusNoChild means no child is selected; nothing was sent.
	StatusNoChild Status = "no_child"
	// StatusAuthRequired means the credential was missing or rejected.
	StatusAuthRequired Status = "auth_required"
	// StatusFailed covers every other remote failure.
	StatusFailed Status = "failed"
)

// Result is the user-facing outcome of a finalize attempt. Message is a
// short, non-technical string in the product's voice; technical detail goes
// to the log, not the child.
type Result struct {
	Status             Status `json:"status"`
	Message            string `json:"message"`
	NavigateToGuardian bool   `json:"navigateToGuardian"`
}

// User-facing messages, verbatim from the product.
const (
	msgNoChild = "このトークは子どもが未選択のため保存できません。" +
		"保護者マイページ（/guardian）で子どもを選んで『あい先生と話す』から開始してください。"
	msgAuthRequired = "保存にはログインが必要です。保護者ページでログインしてから、もう一度お試しください。"
	msgSaved        = "保存しました！保護者マイページに戻ります。"
	msgFailLead     = "保存に失敗しました。"
)

// Inserter is the remote session surface the finalizer depends on.
type Inserter interface {
	InsertSession(ctx context.Context, token, childID, week string, messages []domain.StoredMessage) error
}

// Finalizer flushes transcripts to the remote session store.
type Finalizer struct {
	repo  store.Repository
	sync  Inserter
	limit int
}

// NewFinalizer creates a finalizer. limit bounds the number of most recent
// turns included in the snapshot.
func NewFinalizer(repo store.Repository, inserter Inserter, limit int) *Finalizer {
	return &Finalizer{repo: repo, sync: inserter, limit: limit}
}

// Finalize persists the transcript locally, then writes a snapshot of the
// most recent turns to the remote session store. It never panics or
// propagates errors: every path resolves to a Result the transport can show
// the user, with authentication failures distinguished from generic ones.
func (f *Finalizer) Finalize(ctx context.Context, scope identity.Scope, week string, turns []domain.Turn, token string) Result {
	if scope.IsAnonymous() {
		return Result{Status: StatusNoChild, Message: msgNoChild}
	}

	// Local first: a failed remote write must never lose the transcript.
	if err := f.repo.SaveTranscript(ctx, scope.Key(), turns); err != nil {
		slog.Warn("local transcript save before finalize failed", "scope", scope.Key(), "error", err)
	}

	if token == "" {
		return Result{Status: StatusAuthRequired, Message: msgAuthRequired}
	}

	bounded := turns
	if len(bounded) > f.limit {
		bounded = bounded[len(bounded)-f.limit:]
	}
	messages := make([]domain.StoredMessage, 0, len(bounded))
	for _, t := range bounded {
		m := t.Stored()
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		messages = append(messages, m)
	}

	if err := f.sync.InsertSession(ctx, token, scope.Key(), week, messages); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return Result{Status: StatusAuthRequired, Message: msgAuthRequired}
		}
		slog.Warn("session snapshot write failed", "scope", scope.Key(), "error", err)
		return Result{Status: StatusFailed, Message: msgFailLead + "\n\n" + err.Error()}
	}

	return Result{Status: StatusSaved, Message: msgSaved, NavigateToGuardian: true}
}
