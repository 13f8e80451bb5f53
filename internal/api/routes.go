package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/skkmth-sudo/ai-tanken/internal/conversation"
	"github.com/skkmth-sudo/ai-tanken/internal/curriculum"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/remote"
)

// maxRequestBodySize bounds request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler exposes the chat, save-session, and growth endpoints.
type Handler struct {
	chat    *ChatService
	backend Backend
	model   Model
}

// NewHandler creates the API handler.
func NewHandler(chat *ChatService, backend Backend, model Model) *Handler {
	return &Handler{chat: chat, backend: backend, model: model}
}

// RegisterRoutes mounts the API endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.handleChat)
	r.Post("/api/save-session", h.handleSaveSession)
	r.Post("/api/growth", h.handleGrowth)
}

type chatRequestBody struct {
	ChildID  string               `json:"childId"`
	Week     string               `json:"week"`
	Messages []domain.WireMessage `json:"messages"`
	Profile  struct {
		Grade     string   `json:"grade"`
		Nickname  string   `json:"nickname"`
		Interests []string `json:"interests"`
	} `json:"profile"`
}

// handleChat is the HTTP face of the chat service: decode, delegate,
// translate rejections to {ok:false, reply} with the right status.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		JSON(w, http.StatusBadRequest, map[string]any{"ok": false, "reply": replyBadBatch})
		return
	}

	reply, err := h.chat.Reply(r.Context(), conversation.CompletionRequest{
		ChildID:   body.ChildID,
		Week:      body.Week,
		Messages:  body.Messages,
		Grade:     body.Profile.Grade,
		Nickname:  body.Profile.Nickname,
		Interests: body.Profile.Interests,
		Token:     identity.BearerToken(r),
	})
	if err != nil {
		var ce *ChatError
		if errors.As(err, &ce) {
			JSON(w, ce.Status, map[string]any{"ok": false, "reply": ce.Reply})
			return
		}
		slog.Error("chat request failed", "error", err)
		JSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "reply": conversation.FallbackError})
		return
	}
	if reply == "" {
		reply = conversation.FallbackNoReply
	}

	JSON(w, http.StatusOK, map[string]any{"ok": true, "reply": reply})
}

type saveSessionBody struct {
	ChildID  string               `json:"childId"`
	Week     string               `json:"week"`
	Messages []domain.WireMessage `json:"messages"`
}

// handleSaveSession stores a finished conversation snapshot after verifying
// that the child belongs to the authenticated guardian.
func (h *Handler) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var body saveSessionBody
	if err := decodeBody(w, r, &body); err != nil {
		JSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "リクエストの形式が不正です"})
		return
	}

	childID := strings.TrimSpace(body.ChildID)
	if childID == "" {
		JSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "childId がありません"})
		return
	}

	token := identity.BearerToken(r)
	if token == "" {
		JSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "認証トークンがありません"})
		return
	}

	if err := h.verifyOwnership(r, token, childID); err != nil {
		var ce *ChatError
		if errors.As(err, &ce) {
			JSON(w, ce.Status, map[string]any{"ok": false, "error": ce.Reply})
			return
		}
		slog.Error("save-session ownership check failed", "error", err)
		JSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "ownership check failed"})
		return
	}

	// Guardian dashboard expects {role, text} with empties dropped.
	messages := make([]domain.StoredMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		role := string(domain.RoleAssistant)
		if m.Role == string(domain.RoleUser) {
			role = string(domain.RoleUser)
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, domain.StoredMessage{Role: role, Text: m.Content})
	}

	week, ok := curriculum.Normalize(body.Week)
	if !ok {
		week = ""
	}

	if err := h.backend.InsertSession(r.Context(), token, childID, week, messages); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			JSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		slog.Error("session insert failed", "child_id", childID, "error", err)
		JSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) verifyOwnership(r *http.Request, token, childID string) error {
	ctx := r.Context()
	userID, err := h.backend.ResolveUser(ctx, token)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return &ChatError{Status: http.StatusUnauthorized, Reply: "unauthorized"}
		}
		return err
	}
	parentID, err := h.backend.FindParent(ctx, token, userID)
	if err != nil {
		return err
	}
	if parentID == "" {
		return &ChatError{Status: http.StatusForbidden, Reply: "保護者情報が見つかりません"}
	}
	owned, err := h.backend.ChildBelongsTo(ctx, token, childID, parentID)
	if err != nil {
		return err
	}
	if !owned {
		return &ChatError{Status: http.StatusForbidden, Reply: "この子ども情報には権限がありません"}
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
