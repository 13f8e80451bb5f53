// Package chat provides the WebSocket transport between the embedded chat
// page and the per-scope conversation engine.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/skkmth-sudo/ai-tanken/internal/config"
	"github.com/skkmth-sudo/ai-tanken/internal/conversation"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/history"
	"github.com/skkmth-sudo/ai-tanken/internal/identity"
	"github.com/skkmth-sudo/ai-tanken/internal/profile"
	"github.com/skkmth-sudo/ai-tanken/internal/remote"
	"github.com/skkmth-sudo/ai-tanken/internal/session"
	"github.com/skkmth-sudo/ai-tanken/internal/store"
)

// clientMessage is a frame from the page.
type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Week    string `json:"week,omitempty"`
	Value   string `json:"value,omitempty"`
}

// serverMessage is a frame to the page.
type serverMessage struct {
	Type   string              `json:"type"`
	Turn   *domain.Turn        `json:"turn,omitempty"`
	State  *conversation.State `json:"state,omitempty"`
	Result *session.Result     `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Handler upgrades chat connections and binds one engine per connection.
type Handler struct {
	cfg       *config.Config
	repo      store.Repository
	sync      *remote.SyncClient
	completer conversation.Completer
	isDev     bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(cfg *config.Config, repo store.Repository, sync *remote.SyncClient, completer conversation.Completer) *Handler {
	return &Handler{
		cfg:       cfg,
		repo:      repo,
		sync:      sync,
		completer: completer,
		isDev:     cfg.IsDevelopment(),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := identity.ScopeFromContext(r.Context())
	token := identity.TokenFromContext(r.Context())
	if token == "" {
		// Browsers cannot set Authorization on WebSocket upgrades.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	slog.Info("chat connection request", "scope", scope.Key(), "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept chat websocket", "error", err, "scope", scope.Key())
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("chat websocket close", "error", closeErr)
		}
	}()

	// The connection context doubles as the scope-switch cancellation
	// flag: when the page navigates to a different child the socket
	// closes, the context cancels, and any in-flight reconciliation or
	// resumption result is discarded instead of applied.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	engine := h.buildEngine(scope)
	defer engine.Close()

	state := engine.Bootstrap(ctx, token)
	h.write(ctx, ws, serverMessage{Type: "state", State: &state})

	h.serve(ctx, ws, engine, token)
}

// buildEngine assembles the per-scope stores and engine.
func (h *Handler) buildEngine(scope identity.Scope) *conversation.Engine {
	profiles := profile.NewStore(h.repo, h.sync, scope, h.cfg.ProfilePushDebounce)
	turns := history.NewStore(h.repo, h.sync, scope, h.cfg.ResumeThreshold)
	return conversation.NewEngine(scope, h.repo, profiles, turns, h.completer, h.cfg.HistoryWindow)
}

// serve runs the frame loop until the connection drops.
func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, engine *conversation.Engine, token string) {
	finalizer := session.NewFinalizer(h.repo, h.sync, h.cfg.FinalizeLimit)

	for {
		var msg clientMessage
		if err := h.read(ctx, ws, &msg); err != nil {
			if !isExpectedClose(err) {
				slog.Debug("chat websocket read", "error", err)
			}
			return
		}

		switch msg.Type {
		case "send":
			userTurn, assistantTurn, ok := engine.Send(ctx, msg.Content, token)
			if !ok {
				// Blank input or a send already in flight: dropped, not
				// queued.
				continue
			}
			h.write(ctx, ws, serverMessage{Type: "turn", Turn: &userTurn})
			h.write(ctx, ws, serverMessage{Type: "turn", Turn: &assistantTurn})

		case "week":
			state, ok := engine.SwitchWeek(ctx, msg.Week)
			if !ok {
				h.write(ctx, ws, serverMessage{Type: "error", Error: "unknown week"})
				continue
			}
			h.write(ctx, ws, serverMessage{Type: "state", State: &state})

		case "reset":
			state := engine.Reset(ctx)
			h.write(ctx, ws, serverMessage{Type: "state", State: &state})

		case "grade":
			state := engine.SetGrade(ctx, msg.Value, token)
			h.write(ctx, ws, serverMessage{Type: "state", State: &state})

		case "nickname":
			state := engine.SetNickname(ctx, msg.Value, token)
			h.write(ctx, ws, serverMessage{Type: "state", State: &state})

		case "finalize":
			result := finalizer.Finalize(ctx, engine.Scope(), engine.Week().ID, engine.Turns(), token)
			h.write(ctx, ws, serverMessage{Type: "finalized", Result: &result})

		default:
			h.write(ctx, ws, serverMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) read(ctx context.Context, ws *websocket.Conn, v any) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal chat frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("chat websocket write", "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || h.cfg.FrontendURL == "" || strings.HasPrefix(origin, h.cfg.FrontendURL)
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
