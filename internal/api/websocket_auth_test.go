package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWSAuth_MissingToken(t *testing.T) {
	env := setupTestEnv(t)

	paths := []string{
		"/ws",
		"/ws/chat?session=abc",
		"/ws/terminal?session=abc",
	}
	for _, path := range paths {
		rec := httptest.NewRecorder()
		env.server.router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 before upgrade, got %d", path, rec.Code)
		}
	}
}

func TestWSAuth_InvalidToken(t *testing.T) {
	env := setupTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token=not-a-jwt", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestWSAuth_TokenFromSubprotocol(t *testing.T) {
	env := setupTestEnv(t)

	// Auth must pass via the subprotocol so the handler reaches the session
	// parameter check.
	r := httptest.NewRequest("GET", "/ws/chat", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "skiff-token."+env.token)
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing session after auth, got %d", rec.Code)
	}
}

func TestWSAuth_ChatSessionNotFound(t *testing.T) {
	env := setupTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/chat?token="+env.token+"&session=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestWSAuth_NonUpgradeRequestRejected(t *testing.T) {
	env := setupTestEnv(t)

	// Valid token but no websocket handshake headers
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token="+env.token, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-upgrade request, got %d", rec.Code)
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	s := &Server{allowedOrigins: []string{"http://localhost:*", "tauri://localhost"}}

	allowed := []string{
		"http://localhost:3000",
		"http://localhost:8427",
		"tauri://localhost",
	}
	for _, origin := range allowed {
		if !s.isAllowedOrigin(origin) {
			t.Errorf("expected %q allowed", origin)
		}
	}

	denied := []string{
		"http://evil.example.com",
		"https://localhost:3000",
		"http://localhost.evil.com:3000",
		"",
	}
	for _, origin := range denied {
		if s.isAllowedOrigin(origin) {
			t.Errorf("expected %q denied", origin)
		}
	}
}
