// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and admin user lookup

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/inbox-gateway/internal/store"
)

// mockUserStore serves a fixed set of admin users
type mockUserStore struct {
	users map[string]*store.AdminUser // by ID
}

func (m *mockUserStore) GetAdminUser(_ context.Context, id string) (*store.AdminUser, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockUserStore) GetAdminUserByUsername(_ context.Context, username string) (*store.AdminUser, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func newMockUsers(users ...*store.AdminUser) *mockUserStore {
	m := &mockUserStore{users: make(map[string]*store.AdminUser)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newMockUsers(&store.AdminUser{ID: "user-123", Username: "ops@example.com"})

	token, _, _ := verifier.Generate("user-123", time.Hour)

	var gotAuthCtx *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthCtx = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(users, verifier)(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if gotAuthCtx == nil {
		t.Fatal("expected AuthContext in context")
	}
	if gotAuthCtx.UserID != "user-123" {
		t.Errorf("expected user ID 'user-123', got '%s'", gotAuthCtx.UserID)
	}
	if gotAuthCtx.Username != "ops@example.com" {
		t.Errorf("expected username 'ops@example.com', got '%s'", gotAuthCtx.Username)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newMockUsers(&store.AdminUser{ID: "user-123", Username: "ops"})

	deletedUserToken, _, _ := verifier.Generate("user-gone", time.Hour)
	expiredToken, _, _ := verifier.Generate("user-123", -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"garbage", "Bearer nope", "invalid token"},
		{"expired", "Bearer " + expiredToken, "invalid token"},
		{"unknown user", "Bearer " + deletedUserToken, "user not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			})

			req := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(users, verifier)(handler).ServeHTTP(rec, req)

			if called {
				t.Error("handler should not be called")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("expected body to contain %q, got %s", tt.wantMsg, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}
		})
	}
}
