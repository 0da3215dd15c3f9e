// Command jwks-server is the development identity provider for the admin
// API: it publishes a JWKS and mints RS256 tokens for operators.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_mirror/internal/auth"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/logging"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type keyServer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses JWT_PRIVATE_KEY (PKCS1 or PKCS8) or generates a fresh key.
func loadKey(pemText string) (*rsa.PrivateKey, bool, error) {
	if pemText == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

func (s *keyServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Post("/token", s.createToken)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *keyServer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJWK(s.kid, &s.key.PublicKey)}})
}

type tokenRequest struct {
	UserID string `json:"user_id"`
	TTL    int    `json:"ttl_seconds,omitempty"`
}

func (s *keyServer) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":     s.issuer,
		"aud":     s.audience,
		"sub":     req.UserID,
		"user_id": req.UserID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logger := logging.New("harbormirror-jwks")
	logger.SetLevel(cfg.LogLevel)

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("signing key setup failed")
	}
	if generated {
		logger.Plain().Warn("generated an ephemeral RSA key; tokens will not survive a restart")
	}
	s := &keyServer{key: key, kid: cfg.Auth.KeyID, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{"port": port, "kid": s.kid}).Info("JWKS server starting")
	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
