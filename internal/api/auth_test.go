package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSharedSecretAuth(t *testing.T) {
	auth := NewSharedSecretAuth([]byte("secret"))
	valid := signHS256(t, "secret", jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name    string
		header  string
		wantSub string
		wantErr bool
	}{
		{name: "valid", header: "Bearer " + valid, wantSub: "user-1"},
		{name: "padded", header: "  Bearer " + valid + " ", wantSub: "user-1"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic " + valid, wantErr: true},
		{name: "not a jwt", header: "Bearer abc", wantErr: true},
		{name: "wrong secret", header: "Bearer " + signHS256(t, "other", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()}), wantErr: true},
		{name: "expired", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}), wantErr: true},
		{name: "expires within skew", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(30 * time.Second).Unix()}), wantSub: "u"},
		{name: "expired within skew", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-30 * time.Second).Unix()}), wantSub: "u"},
		{name: "expired beyond skew", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-2 * time.Minute).Unix()}), wantErr: true},
		{name: "nbf within skew", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix(), "nbf": time.Now().Add(30 * time.Second).Unix()}), wantSub: "u"},
		{name: "nbf beyond skew", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix(), "nbf": time.Now().Add(5 * time.Minute).Unix()}), wantErr: true},
		{name: "no exp", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"sub": "u"}), wantErr: true},
		{name: "no sub", header: "Bearer " + signHS256(t, "secret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := auth.SubjectFromAuthHeader(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got subject %q", sub)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sub != tt.wantSub {
				t.Fatalf("subject = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestAuthWithoutJWKSRejectsRS256(t *testing.T) {
	auth := NewAuth(nil, "aud", "https://issuer/", 0)
	token := signHS256(t, "secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.SubjectFromAuthHeader("Bearer " + token); err == nil {
		t.Fatalf("expected HS256 token to be rejected by RS256 auth")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	auth := NewSharedSecretAuth([]byte("secret"))
	token := signHS256(t, "secret", jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	e := echo.New()
	handler := requireAuth(auth)(func(c echo.Context) error {
		return c.String(http.StatusOK, subjectFrom(c))
	})

	tests := []struct {
		name       string
		target     string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "header", target: "/ws", header: "Bearer " + token, wantStatus: http.StatusOK, wantBody: "user-1"},
		{name: "query", target: "/ws?token=" + token, wantStatus: http.StatusOK, wantBody: "user-1"},
		{name: "missing", target: "/ws", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			if err := handler(e.NewContext(req, rec)); err != nil {
				t.Fatalf("handler: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
