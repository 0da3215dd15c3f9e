package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "harbormirror"
	testAudience = "harbormirror-admin"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func publicPEM(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claims(extra jwt.MapClaims) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func TestNewJWTValidator(t *testing.T) {
	key := newKey(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"invalid PEM", "invalid-pem", true},
		{"empty", "", true},
		{"garbage block", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----", true},
		{"pkix", publicPEM(t, &key.PublicKey), false},
		{"pkcs1", pkcs1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTValidator(tt.pem, testIssuer, testAudience)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewJWTValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"sub claim", sign(t, key, claims(jwt.MapClaims{"sub": "alice"})), "alice", false},
		{"user_id wins over sub", sign(t, key, claims(jwt.MapClaims{"sub": "svc", "user_id": "bob"})), "bob", false},
		{"missing user", sign(t, key, claims(nil)), "", true},
		{"wrong issuer", sign(t, key, claims(jwt.MapClaims{"sub": "a", "iss": "other"})), "", true},
		{"wrong audience", sign(t, key, claims(jwt.MapClaims{"sub": "a", "aud": "other"})), "", true},
		{"expired", sign(t, key, claims(jwt.MapClaims{"sub": "a", "exp": time.Now().Add(-time.Minute).Unix()})), "", true},
		{"wrong key", sign(t, other, claims(jwt.MapClaims{"sub": "a"})), "", true},
		{"not a token", "abc.def.ghi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateToken_RejectsHMAC(t *testing.T) {
	key := newKey(t)
	v := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims(jwt.MapClaims{"sub": "a"})).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidateToken(tok); err == nil {
		t.Errorf("ValidateToken() accepted an HS256 token")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)
	valid := sign(t, key, claims(jwt.MapClaims{"sub": "alice"}))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"no bearer prefix", valid, http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "Bearer " + valid, http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest("GET", "/v1/queue/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			v.HTTPMiddleware(next).ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if seen != tt.wantUser {
				t.Errorf("user = %q, want %q", seen, tt.wantUser)
			}
		})
	}
}

func TestDevMiddleware(t *testing.T) {
	var seen string
	h := DevMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-User-ID", "carol")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "carol" {
		t.Errorf("user = %q, want carol", seen)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if seen != "operator" {
		t.Errorf("user = %q, want operator", seen)
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Errorf("UserIDFromContext(empty) ok = true")
	}
	if _, ok := UserIDFromContext(WithUserID(context.Background(), "")); ok {
		t.Errorf("UserIDFromContext(blank) ok = true")
	}
	if got, ok := UserIDFromContext(WithUserID(context.Background(), "u1")); !ok || got != "u1" {
		t.Errorf("UserIDFromContext() = %q, %v", got, ok)
	}
}

func TestFetchJWKS(t *testing.T) {
	key := newKey(t)
	set := JSONWebKeySet{Keys: []JSONWebKey{NewJWK("old", &newKey(t).PublicKey), NewJWK("current", &key.PublicKey)}}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		kid     string
		wantErr bool
	}{
		{
			name: "select by kid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(set)
			},
			kid: "current",
		},
		{
			name: "unknown kid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(set)
			},
			kid:     "missing",
			wantErr: true,
		},
		{
			name: "empty set",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"keys":[]}`))
			},
			wantErr: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: true,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{`))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			pub, err := FetchJWKS(context.Background(), srv.URL, tt.kid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FetchJWKS() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !pub.Equal(&key.PublicKey) {
				t.Errorf("FetchJWKS() returned a different key")
			}
		})
	}
}

func TestJWKRoundTrip(t *testing.T) {
	key := newKey(t)
	got, err := NewJWK("k1", &key.PublicKey).PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if !got.Equal(&key.PublicKey) {
		t.Errorf("decoded key differs")
	}
	if _, err := (JSONWebKey{Kty: "EC"}).PublicKey(); err == nil {
		t.Errorf("PublicKey() accepted an EC key")
	}
}
