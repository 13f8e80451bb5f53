//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(backend *fakeBackend, model *fakeModel) chi.Router {
	chat := NewChatService(backend, model, testConfig())
	h := NewHandler(chat, backend, model)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r chi.Router, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return w, out
}

func TestHandleChat(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: "こんにちは！"})
	body := `{"childId":"` + testChildID + `","week":"week1","messages":[{"role":"user","content":"やあ"}]}`

	w, out := doJSON(t, r, "/api/chat", "tok", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if out["ok"] != true || out["reply"] != "こんにちは！" {
		t.Errorf("Unexpected response: %v", out)
	}
}

func TestHandleChatRejectionKeepsChildVoice(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: "x"})
	body := `{"childId":"nope","week":"week1","messages":[{"role":"user","content":"やあ"}]}`

	w, out := doJSON(t, r, "/api/chat", "tok", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if out["ok"] != false {
		t.Errorf("Expected ok=false, got %v", out)
	}
	reply, _ := out["reply"].(string)
	if reply == "" || strings.Contains(reply, "uuid") {
		t.Errorf("Expected a child-facing reply, got %q", reply)
	}
}

func TestHandleChatWithoutToken(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: "x"})
	body := `{"childId":"` + testChildID + `","week":"week1","messages":[{"role":"user","content":"やあ"}]}`

	w, _ := doJSON(t, r, "/api/chat", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleChatEmptyReplyGetsPlaceholder(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: ""})
	body := `{"childId":"` + testChildID + `","week":"week1","messages":[{"role":"user","content":"やあ"}]}`

	w, out := doJSON(t, r, "/api/chat", "tok", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if out["reply"] != "（返答がなかったよ）" {
		t.Errorf("Expected the no-reply placeholder, got %v", out["reply"])
	}
}

func TestHandleChatMalformedBody(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: "x"})
	w, out := doJSON(t, r, "/api/chat", "tok", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if out["ok"] != false {
		t.Errorf("Expected ok=false, got %v", out)
	}
}

func TestHandleSaveSession(t *testing.T) {
	t.Parallel()

	backend := okBackend()
	r := newTestRouter(backend, &fakeModel{})
	body := `{"childId":"` + testChildID + `","week":"week2","messages":[{"role":"user","content":"やあ"},{"role":"assistant","content":"  "}]}`

	w, out := doJSON(t, r, "/api/save-session", "tok", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", w.Code, out)
	}
	if out["ok"] != true {
		t.Errorf("Unexpected response: %v", out)
	}
	if backend.inserts != 1 {
		t.Errorf("Expected 1 insert, got %d", backend.inserts)
	}
}

func TestHandleSaveSessionRequiresChildID(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{})
	w, out := doJSON(t, r, "/api/save-session", "tok", `{"week":"week1","messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if errMsg, _ := out["error"].(string); !strings.Contains(errMsg, "childId") {
		t.Errorf("Expected a childId error, got %v", out)
	}
}

func TestHandleSaveSessionRequiresToken(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{})
	body := `{"childId":"` + testChildID + `","week":"week1","messages":[]}`
	w, _ := doJSON(t, r, "/api/save-session", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleSaveSessionUnownedChild(t *testing.T) {
	t.Parallel()

	backend := okBackend()
	backend.owned = false
	r := newTestRouter(backend, &fakeModel{})
	body := `{"childId":"` + testChildID + `","week":"week1","messages":[]}`

	w, _ := doJSON(t, r, "/api/save-session", "tok", body)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
	if backend.inserts != 0 {
		t.Error("Expected no insert for an unowned child")
	}
}

func TestHandleGrowth(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "・ていねいに質問できた\n・新しいことばを使えていた\n・さいごまで挑戦できた\n・よけいな4つめ"}
	r := newTestRouter(okBackend(), model)
	body := `{"messages":[{"role":"user","text":"さかなについておしえて"}]}`

	w, out := doJSON(t, r, "/api/growth", "tok", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	points, _ := out["growthPoints"].([]any)
	if len(points) != 3 {
		t.Fatalf("Expected 3 growth points, got %d", len(points))
	}
	if points[0] != "ていねいに質問できた" {
		t.Errorf("Expected the bullet prefix stripped, got %v", points[0])
	}
}

func TestHandleGrowthRequiresMessages(t *testing.T) {
	t.Parallel()

	r := newTestRouter(okBackend(), &fakeModel{reply: "x"})
	w, _ := doJSON(t, r, "/api/growth", "tok", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}
