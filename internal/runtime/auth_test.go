package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opwatch/opwatch/config"
)

func authedEcho(secret []byte) *echo.Echo {
	e := echo.New()
	e.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("user_id").(string))
	}, EchoAuthMiddleware(secret))
	return e
}

func TestEchoAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-42", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := authedEcho(secret)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "user-42" {
		t.Fatalf("expected subject user-42, got %q", rec.Body.String())
	}
}

func TestEchoAuthMiddlewareAcceptsCookie(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-7", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := authedEcho(secret)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEchoAuthMiddlewareRejectsBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	e := authedEcho(secret)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	wrong, err := SignJWT("user-42", []byte("other-secret"), time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+wrong)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	expired, err := SignJWT("user-42", secret, -time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestLoadJWTSecret(t *testing.T) {
	if _, err := LoadJWTSecret(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := LoadJWTSecret(&config.Config{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	secret, err := LoadJWTSecret(&config.Config{Server: config.ServerConfig{JWTSecret: "s3cret"}})
	if err != nil {
		t.Fatalf("LoadJWTSecret: %v", err)
	}
	if string(secret) != "s3cret" {
		t.Fatalf("unexpected secret %q", secret)
	}
}
