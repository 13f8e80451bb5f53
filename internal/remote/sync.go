package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
)

// ErrUnauthorized is returned when the backend rejects the caller's
// credential. Callers surface it distinctly from generic failures so the
// user is directed to log in rather than "try again".
var ErrUnauthorized = errors.New("remote: unauthorized")

// ChildProfile is the remote children record subset this service reads.
type ChildProfile struct {
	Nickname string `json:"nickname"`
	Grade    string `json:"grade"`
}

// ProfilePatch is a partial update to a children record. Empty fields are
// omitted from the patch.
type ProfilePatch struct {
	Grade    string `json:"grade,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// IsEmpty reports whether the patch carries no changes.
func (p ProfilePatch) IsEmpty() bool {
	return p.Grade == "" && p.Nickname == ""
}

// SyncClient talks to the hosted backend (a PostgREST-style REST surface
// with row-level security): children profile records, session snapshots,
// and the identity service that maps a bearer token to its user.
type SyncClient struct {
	http    *http.Client
	baseURL string
	anonKey string
}

// NewSyncClient creates a backend client. baseURL may be empty, in which
// case every call reports the backend as unconfigured; callers treat that
// like any other best-effort failure.
func NewSyncClient(baseURL, anonKey string) *SyncClient {
	return &SyncClient{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		anonKey: anonKey,
	}
}

// FetchChildProfile reads the nickname and grade stored for a child.
// Returns nil (no error) when no record exists.
func (c *SyncClient) FetchChildProfile(ctx context.Context, token, childID string) (*ChildProfile, error) {
	path := "/rest/v1/children?select=nickname,grade&id=eq." + url.QueryEscape(childID)
	var rows []ChildProfile
	if err := c.do(ctx, http.MethodGet, path, token, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpdateChildProfile applies a partial update to a children record.
func (c *SyncClient) UpdateChildProfile(ctx context.Context, token, childID string, patch ProfilePatch) error {
	if patch.IsEmpty() {
		return nil
	}
	path := "/rest/v1/children?id=eq." + url.QueryEscape(childID)
	return c.do(ctx, http.MethodPatch, path, token, patch, nil)
}

// FetchLatestSession returns the message array of the most recent session
// snapshot for a child, nil when none exists. Messages are returned decoded
// but unnormalized; snapshot shapes have drifted over time and the caller
// owns coercion.
func (c *SyncClient) FetchLatestSession(ctx context.Context, token, childID string) ([]any, error) {
	path := "/rest/v1/chat_sessions?select=messages&child_id=eq." + url.QueryEscape(childID) +
		"&order=created_at.desc&limit=1"
	var rows []struct {
		Messages []any `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Messages, nil
}

// InsertSession stores a finished conversation snapshot for a child.
func (c *SyncClient) InsertSession(ctx context.Context, token, childID, week string, messages []domain.StoredMessage) error {
	body := map[string]any{
		"child_id": childID,
		"week":     week,
		"messages": messages,
	}
	return c.do(ctx, http.MethodPost, "/rest/v1/chat_sessions", token, body, nil)
}

// ResolveUser maps a bearer token to its user ID via the backend's identity
// service.
func (c *SyncClient) ResolveUser(ctx context.Context, token string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", token, nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", ErrUnauthorized
	}
	return out.ID, nil
}

// FindParent returns the guardian record ID owned by a user, "" when the
// user has no guardian record.
func (c *SyncClient) FindParent(ctx context.Context, token, userID string) (string, error) {
	path := "/rest/v1/parent?select=id&user_id=eq." + url.QueryEscape(userID)
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ID, nil
}

// ChildBelongsTo reports whether a child record is owned by the given
// guardian.
func (c *SyncClient) ChildBelongsTo(ctx context.Context, token, childID, parentID string) (bool, error) {
	path := "/rest/v1/children?select=id&id=eq." + url.QueryEscape(childID) +
		"&parent_id=eq." + url.QueryEscape(parentID)
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *SyncClient) do(ctx context.Context, method, path, token string, body, out any) error {
	if c.baseURL == "" {
		return errors.New("remote: backend not configured")
	}
	if token == "" {
		return ErrUnauthorized
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, snippet(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
