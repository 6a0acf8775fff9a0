package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"role": GetRole(c)})
	})
	r.GET("/protected", handlers...)
	r.POST("/protected", handlers...)
	return r
}

func do(r http.Handler, method, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/protected", strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	const secret = "s3cret"
	auth := NewAuthMiddleware(secret)
	r := newRouter(auth.RequireAuth(), AdminGuard())

	admin, err := utils.GenerateJWT("ops", utils.RoleAdmin, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	reader, err := utils.GenerateJWT("bot", utils.RoleReader, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := utils.GenerateJWT("ops", utils.RoleAdmin, "other", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"reader on admin route", "Bearer " + reader, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(r, http.MethodGet, tt.header, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequireAuthOpenWithoutSecret(t *testing.T) {
	r := newRouter(NewAuthMiddleware("").RequireAuth(), AdminGuard())
	w := do(r, http.MethodGet, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), utils.RoleAdmin) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRequestIDPropagates(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}

	w = do(r, http.MethodGet, "", "")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("no request id generated")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	r := newRouter(RequestSizeLimit(8))

	if w := do(r, http.MethodPost, "", "short"); w.Code != http.StatusOK {
		t.Errorf("small body status = %d", w.Code)
	}
	w := do(r, http.MethodPost, "", "this body is too long")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "request_too_large") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRateLimitLocalFallback(t *testing.T) {
	r := newRouter(RateLimitMiddleware(nil, RateLimitConfig{Requests: 2, Window: time.Hour}))

	for i := 0; i < 2; i++ {
		if w := do(r, http.MethodGet, "", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := do(r, http.MethodGet, "", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestRateLimitDisabled(t *testing.T) {
	r := newRouter(RateLimitMiddleware(nil, RateLimitConfig{}))
	for i := 0; i < 5; i++ {
		if w := do(r, http.MethodGet, "", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
}
