package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/skkmth-sudo/ai-tanken/internal/config"
	"github.com/skkmth-sudo/ai-tanken/internal/conversation"
	"github.com/skkmth-sudo/ai-tanken/internal/curriculum"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/remote"
)

// Profile payload bounds.
const (
	maxGradeLen    = 30
	maxNicknameLen = 20
	maxInterests   = 8
	maxInterestLen = 40
)

// Child-facing replies for rejected or failed requests, verbatim from the
// product. Every error leaving this layer reads like あい先生, not a stack
// trace.
const (
	replyBadChild   = "子ども情報が見つからないよ（childId が不正です）。保護者マイページから入り直してね。"
	replyBadWeek    = "週の情報が不正みたい（week が不正です）。保護者マイページから入り直してね。"
	replyBadBatch   = "メッセージが多すぎるか形式が不正です。もう一度ためしてみてね。"
	replyNoToken    = "ログインが必要だよ（認証トークンがありません）。/guardian/login からログインしてね。"
	replyServerSide = "サーバー側で問題が起きたみたい。もう一度ためしてみてね。"
	replyNoParent   = "保護者情報が見つからないよ。/guardian/login から入り直してね。"
	replyNotOwned   = "この子ども情報では会話できないよ（権限がありません）。"
	replyModelError = "今はお返事が作れないみたい。少し時間をおいて、もう一度ためしてみてね。"
)

// ChatError is a rejected chat request: an HTTP status plus the reply text
// the child should see instead of an assistant message.
type ChatError struct {
	Status int
	Reply  string
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat rejected (%d): %s", e.Status, e.Reply)
}

// Backend is the slice of the hosted backend the chat service needs for
// ownership checks and snapshot writes.
type Backend interface {
	ResolveUser(ctx context.Context, token string) (string, error)
	FindParent(ctx context.Context, token, userID string) (string, error)
	ChildBelongsTo(ctx context.Context, token, childID, parentID string) (bool, error)
	InsertSession(ctx context.Context, token, childID, week string, messages []domain.StoredMessage) error
}

// Model produces a completion for an ordered message sequence.
type Model interface {
	Complete(ctx context.Context, messages []remote.ChatMessage) (string, error)
}

// ChatService validates a chat request, verifies that the child belongs to
// the authenticated guardian, assembles the tutoring prompt, and asks the
// model for a reply. It implements conversation.Completer, so the websocket
// engine and the HTTP route share one boundary.
type ChatService struct {
	backend Backend
	model   Model
	cfg     *config.Config
}

// NewChatService creates a chat service.
func NewChatService(backend Backend, model Model, cfg *config.Config) *ChatService {
	return &ChatService{backend: backend, model: model, cfg: cfg}
}

var _ conversation.Completer = (*ChatService)(nil)

// Reply runs one validated completion. Rejections come back as *ChatError
// so the HTTP layer can map them to statuses; the engine just shows its
// fallback turn.
func (s *ChatService) Reply(ctx context.Context, req conversation.CompletionRequest) (string, error) {
	childID := strings.TrimSpace(req.ChildID)
	if !identity.IsUUID(childID) {
		return "", &ChatError{Status: http.StatusBadRequest, Reply: replyBadChild}
	}

	weekID, ok := curriculum.Normalize(req.Week)
	if !ok {
		return "", &ChatError{Status: http.StatusBadRequest, Reply: replyBadWeek}
	}

	messages, ok := s.normalizeMessages(req.Messages)
	if !ok {
		return "", &ChatError{Status: http.StatusBadRequest, Reply: replyBadBatch}
	}

	if req.Token == "" {
		return "", &ChatError{Status: http.StatusUnauthorized, Reply: replyNoToken}
	}

	if err := s.authorize(ctx, req.Token, childID); err != nil {
		var ce *ChatError
		if errors.As(err, &ce) {
			return "", ce
		}
		return "", err
	}

	week := curriculum.Get(weekID)
	nick := clip(req.Nickname, maxNicknameLen)
	prompt := []remote.ChatMessage{
		{Role: "system", Content: s.systemText(week, req)},
		{Role: "assistant", Content: week.OpeningMessage},
	}
	history := messages
	if len(history) > s.cfg.CompletionHistoryLimit {
		history = history[len(history)-s.cfg.CompletionHistoryLimit:]
	}
	for _, m := range history {
		prompt = append(prompt, remote.ChatMessage{Role: m.Role, Content: m.Content})
	}

	reply, err := s.model.Complete(ctx, prompt)
	if err != nil {
		slog.Error("completion upstream failed", "child_id", childID, "error", err)
		return "", &ChatError{Status: http.StatusInternalServerError, Reply: replyModelError}
	}
	if reply == "" {
		return "", nil
	}

	return s.applyNicknameCadence(reply, nick, messages), nil
}

// authorize walks token → user → guardian → child ownership. Every denial
// is a hard stop with no partial data.
func (s *ChatService) authorize(ctx context.Context, token, childID string) error {
	userID, err := s.backend.ResolveUser(ctx, token)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return &ChatError{Status: http.StatusUnauthorized, Reply: "ログイン情報の確認に失敗したよ: " + err.Error()}
		}
		slog.Error("user resolution failed", "error", err)
		return &ChatError{Status: http.StatusInternalServerError, Reply: replyServerSide}
	}

	parentID, err := s.backend.FindParent(ctx, token, userID)
	if err != nil {
		slog.Error("parent lookup failed", "error", err)
		return &ChatError{Status: http.StatusInternalServerError, Reply: replyServerSide}
	}
	if parentID == "" {
		return &ChatError{Status: http.StatusForbidden, Reply: replyNoParent}
	}

	owned, err := s.backend.ChildBelongsTo(ctx, token, childID, parentID)
	if err != nil {
		slog.Error("child ownership check failed", "error", err)
		return &ChatError{Status: http.StatusInternalServerError, Reply: replyServerSide}
	}
	if !owned {
		return &ChatError{Status: http.StatusForbidden, Reply: replyNotOwned}
	}
	return nil
}

// normalizeMessages drops malformed entries and clips content. A nil result
// means the batch itself is unusable (not an array of sane size).
func (s *ChatService) normalizeMessages(in []domain.WireMessage) ([]domain.WireMessage, bool) {
	if len(in) > s.cfg.MaxMessagesInRequest {
		return nil, false
	}
	out := make([]domain.WireMessage, 0, len(in))
	for _, m := range in {
		if m.Role != string(domain.RoleUser) && m.Role != string(domain.RoleAssistant) {
			continue
		}
		c := clip(m.Content, s.cfg.MaxContentLen)
		if c == "" {
			continue
		}
		out = append(out, domain.WireMessage{Role: m.Role, Content: c})
	}
	return out, true
}

// systemText assembles the week's system prompt plus the child-info block
// and, when a nickname is known, the call-by-name cadence rule.
func (s *ChatService) systemText(week curriculum.Week, req conversation.CompletionRequest) string {
	var lines []string
	if g := clip(req.Grade, maxGradeLen); g != "" {
		lines = append(lines, "- 学年: "+g)
	}
	nick := clip(req.Nickname, maxNicknameLen)
	if nick != "" {
		lines = append(lines, "- ニックネーム: "+nick)
	}
	if len(req.Interests) > 0 {
		interests := make([]string, 0, maxInterests)
		for _, it := range req.Interests {
			if c := clip(it, maxInterestLen); c != "" {
				interests = append(interests, c)
			}
			if len(interests) == maxInterests {
				break
			}
		}
		if len(interests) > 0 {
			lines = append(lines, "- 興味のあること: "+strings.Join(interests, "、"))
		}
	}

	text := week.SystemPrompt
	if len(lines) > 0 {
		text += "\n\n【こどもの情報】\n" + strings.Join(lines, "\n")
	}
	if nick != "" {
		text += "\n\n【呼びかけ方】\n" +
			"- ニックネーム「" + nick + "」は毎回は使わない。自然なタイミングで“定期的に”" +
			"（目安：2〜4回に1回、または話題転換・褒める・まとめ・確認・注意喚起のとき）呼ぶ。\n" +
			"- 呼びかけが不自然なときは省略してよい。"
	}
	return text
}

// applyNicknameCadence prefixes the nickname onto every third reply as a
// backstop for the prompt-level cadence rule. Very short replies and
// replies that already use the name are left alone.
func (s *ChatService) applyNicknameCadence(reply, nick string, messages []domain.WireMessage) string {
	if nick == "" {
		return reply
	}
	userTurns := 0
	for _, m := range messages {
		if m.Role == string(domain.RoleUser) {
			userTurns++
		}
	}
	shouldCall := userTurns > 0 && userTurns%3 == 0
	alreadyCalled := strings.Contains(reply, nick)
	tooShort := utf8.RuneCountInString(reply) < 8

	if shouldCall && !alreadyCalled && !tooShort {
		return nick + "、" + reply
	}
	return reply
}

// clip trims a string and bounds it to max runes.
func clip(s string, max int) string {
	t := strings.TrimSpace(s)
	if utf8.RuneCountInString(t) <= max {
		return t
	}
	return string([]rune(t)[:max])
}
