package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
)

func TestFetchChildProfile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("apikey"); got != "anon" {
			t.Errorf("Expected apikey header anon, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Expected bearer header, got %q", got)
		}
		if r.URL.Path != "/rest/v1/children" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.child-a" {
			t.Errorf("Expected id=eq.child-a, got %q", got)
		}
		_, _ = w.Write([]byte(`[{"nickname":"たろう","grade":"小4"}]`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	p, err := c.FetchChildProfile(context.Background(), "tok", "child-a")
	if err != nil {
		t.Fatalf("FetchChildProfile failed: %v", err)
	}
	if p == nil || p.Nickname != "たろう" || p.Grade != "小4" {
		t.Errorf("Unexpected profile: %+v", p)
	}
}

func TestFetchChildProfileNoRecord(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	p, err := c.FetchChildProfile(context.Background(), "tok", "child-a")
	if err != nil {
		t.Fatalf("FetchChildProfile failed: %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil for a missing record, got %+v", p)
	}
}

func TestUpdateChildProfile(t *testing.T) {
	t.Parallel()

	var gotMethod string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	err := c.UpdateChildProfile(context.Background(), "tok", "child-a", ProfilePatch{Nickname: "たろう"})
	if err != nil {
		t.Fatalf("UpdateChildProfile failed: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("Expected PATCH, got %q", gotMethod)
	}
	if gotBody["nickname"] != "たろう" {
		t.Errorf("Unexpected patch body: %v", gotBody)
	}
	if _, ok := gotBody["grade"]; ok {
		t.Error("Expected empty grade omitted from the patch")
	}
}

func TestUpdateChildProfileEmptyPatchSkipsNetwork(t *testing.T) {
	t.Parallel()

	c := NewSyncClient("http://127.0.0.1:1", "anon")
	if err := c.UpdateChildProfile(context.Background(), "tok", "child-a", ProfilePatch{}); err != nil {
		t.Errorf("Expected an empty patch to be a no-op, got %v", err)
	}
}

func TestFetchLatestSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("order") != "created_at.desc" || q.Get("limit") != "1" {
			t.Errorf("Expected latest-first single row query, got %v", q)
		}
		_, _ = w.Write([]byte(`[{"messages":[{"role":"assistant","text":"おかえり"}]}]`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	raw, err := c.FetchLatestSession(context.Background(), "tok", "child-a")
	if err != nil {
		t.Fatalf("FetchLatestSession failed: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("Expected 1 raw message, got %d", len(raw))
	}
}

func TestInsertSession(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/chat_sessions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	msgs := []domain.StoredMessage{{Role: "user", Text: "やあ"}}
	if err := c.InsertSession(context.Background(), "tok", "child-a", "week2", msgs); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	if gotBody["child_id"] != "child-a" || gotBody["week"] != "week2" {
		t.Errorf("Unexpected snapshot body: %v", gotBody)
	}
}

func TestUnauthorizedMapping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	_, err := c.FetchChildProfile(context.Background(), "expired", "child-a")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestEmptyTokenRejectedWithoutNetwork(t *testing.T) {
	t.Parallel()

	c := NewSyncClient("http://127.0.0.1:1", "anon")
	_, err := c.FetchChildProfile(context.Background(), "", "child-a")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for an empty token, got %v", err)
	}
}

func TestUnconfiguredBackend(t *testing.T) {
	t.Parallel()

	c := NewSyncClient("", "anon")
	if _, err := c.FetchChildProfile(context.Background(), "tok", "child-a"); err == nil {
		t.Error("Expected an error for an unconfigured backend")
	}
}

func TestResolveUser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"user-1"}`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	id, err := c.ResolveUser(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if id != "user-1" {
		t.Errorf("Expected user-1, got %q", id)
	}
}

func TestResolveUserEmptyID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	if _, err := c.ResolveUser(context.Background(), "tok"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for an anonymous identity, got %v", err)
	}
}

func TestChildBelongsTo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("parent_id") != "eq.parent-1" {
			t.Errorf("Expected parent filter, got %v", r.URL.Query())
		}
		_, _ = w.Write([]byte(`[{"id":"child-a"}]`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	ok, err := c.ChildBelongsTo(context.Background(), "tok", "child-a", "parent-1")
	if err != nil {
		t.Fatalf("ChildBelongsTo failed: %v", err)
	}
	if !ok {
		t.Error("Expected ownership to be confirmed")
	}
}

func TestFindParentNone(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewSyncClient(srv.URL, "anon")
	id, err := c.FindParent(context.Background(), "tok", "user-1")
	if err != nil {
		t.Fatalf("FindParent failed: %v", err)
	}
	if id != "" {
		t.Errorf("Expected empty parent id, got %q", id)
	}
}
