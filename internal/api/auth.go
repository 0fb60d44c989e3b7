package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

const (
	// PairingTokenFile is where the one-time renderer pairing token lives,
	// relative to the data dir. The desktop shell reads it and hands it to the
	// renderer at launch; nothing else should be able to read it.
	PairingTokenFile = "renderer.token"

	jwtSecretFile = ".jwt_secret"
	tokenTTL      = 7 * 24 * time.Hour

	// wsTokenProtocolPrefix carries the bearer token through the WebSocket
	// subprotocol list, since browser clients cannot set headers.
	wsTokenProtocolPrefix = "skiff-token."
)

var (
	ErrInvalidPairingToken = errors.New("invalid pairing token")
	ErrInvalidPassword     = errors.New("invalid password")
)

// AuthService pairs the sandboxed renderer with this process and issues the
// JWTs that authenticate every subsequent request.
type AuthService struct {
	dataDir      string
	jwtSecret    []byte
	passwordHash string

	mu           sync.Mutex
	pairingToken string
}

func NewAuthService(dataDir, passwordHash string) *AuthService {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Warn("failed to create data dir", "path", dataDir, "error", err)
	}
	return &AuthService{
		dataDir:      dataDir,
		jwtSecret:    loadOrCreateJWTSecret(dataDir),
		passwordHash: passwordHash,
	}
}

func loadOrCreateJWTSecret(dataDir string) []byte {
	secretPath := filepath.Join(dataDir, jwtSecretFile)
	if data, err := os.ReadFile(secretPath); err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(secret) >= 32 {
			return secret
		}
		slog.Warn("invalid JWT secret file, regenerating", "path", secretPath)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if err := os.WriteFile(secretPath, []byte(hex.EncodeToString(secret)), 0600); err != nil {
		slog.Warn("failed to persist JWT secret", "path", secretPath, "error", err)
	}
	return secret
}

// MintPairingToken generates a fresh one-time pairing token and writes it to
// the pairing token file. Any previously minted token stops working.
func (a *AuthService) MintPairingToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}
	token := hex.EncodeToString(buf)

	path := filepath.Join(a.dataDir, PairingTokenFile)
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write pairing token: %w", err)
	}

	a.mu.Lock()
	a.pairingToken = token
	a.mu.Unlock()
	return token, nil
}

// Pair checks a pairing token (and the access password, when one is
// configured). A successful pair rotates the token so it cannot be replayed.
func (a *AuthService) Pair(token, password string) error {
	a.mu.Lock()
	current := a.pairingToken
	a.mu.Unlock()

	if current == "" || subtle.ConstantTimeCompare([]byte(token), []byte(current)) != 1 {
		return ErrInvalidPairingToken
	}
	if a.passwordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
			return ErrInvalidPassword
		}
	}

	if _, err := a.MintPairingToken(); err != nil {
		slog.Warn("failed to rotate pairing token", "error", err)
	}
	return nil
}

// PasswordRequired reports whether pairing needs the access password.
func (a *AuthService) PasswordRequired() bool {
	return a.passwordHash != ""
}

// HashPassword hashes an access password for storage in the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// GenerateToken issues a signed JWT for the renderer.
func (a *AuthService) GenerateToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "renderer",
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateToken verifies a JWT and returns its subject.
func (a *AuthService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

// pairRateLimiter throttles pairing attempts per client IP.
type pairRateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	window   time.Duration
	max      int
}

func newPairRateLimiter(max int, window time.Duration) *pairRateLimiter {
	return &pairRateLimiter{
		attempts: make(map[string][]time.Time),
		window:   window,
		max:      max,
	}
}

func (rl *pairRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	recent := rl.attempts[ip][:0]
	for _, t := range rl.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	rl.attempts[ip] = recent
	return len(recent) < rl.max
}

func (rl *pairRateLimiter) record(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.attempts[ip] = append(rl.attempts[ip], time.Now())
}

func (rl *pairRateLimiter) reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// clientIP resolves the client address for rate limiting. Forwarded headers
// are only trusted when the direct peer is loopback or private, so a remote
// client cannot spoof its way past the limiter.
func clientIP(r *http.Request) string {
	remote := remoteIP(r)
	parsed := net.ParseIP(remote)
	if parsed == nil || !(parsed.IsLoopback() || parsed.IsPrivate()) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(part)
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	return remote
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type contextKey string

const userContextKey contextKey = "user"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		sub, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authTokenFromWSRequest extracts a bearer token from a WebSocket handshake.
// Browser WebSocket clients cannot set an Authorization header, so the token
// rides either the query string or the subprotocol list.
func authTokenFromWSRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, wsTokenProtocolPrefix) {
			return strings.TrimPrefix(proto, wsTokenProtocolPrefix)
		}
	}
	return ""
}

// authenticateWS validates the handshake token before an upgrade. On failure
// it writes a 401 and returns false.
func (s *Server) authenticateWS(w http.ResponseWriter, r *http.Request) bool {
	token := authTokenFromWSRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return false
	}
	if _, err := s.auth.ValidateToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

// MintPairingToken mints the one-time renderer pairing token. Called once at
// startup before the listener opens.
func (s *Server) MintPairingToken() (string, error) {
	return s.auth.MintPairingToken()
}

// Auth handlers

type pairRequest struct {
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleAuthPair(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.authLimiter.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many pairing attempts, try again later")
		return
	}

	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.auth.Pair(req.Token, req.Password); err != nil {
		s.authLimiter.record(ip)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.authLimiter.reset(ip)

	token, err := s.auth.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"passwordRequired": s.auth.PasswordRequired(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(userContextKey).(string)
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject})
}
