package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/service"
)

func newTestAuth(t *testing.T) *service.AuthService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return service.NewAuthService("test-secret", time.Hour, rdb)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).Subject)
	})
	r.GET("/x", handlers...)
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestParticipantRoutes(t *testing.T) {
	auth := newTestAuth(t)
	r := newEngine(RequireParticipantJWT(auth), CheckSingleDeviceSession(auth))
	ctx := context.Background()

	first, err := auth.IssueParticipantToken(ctx, "p-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if w := do(r, first); w.Code != http.StatusOK || w.Body.String() != "p-1" {
		t.Fatalf("valid token: %d %s", w.Code, w.Body)
	}

	if w := do(r, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", w.Code)
	}

	admin, _ := auth.IssueAdminToken("a-1", nil)
	if w := do(r, admin); w.Code != http.StatusForbidden {
		t.Fatalf("admin token on participant route: %d", w.Code)
	}

	// A second login invalidates the first device.
	if _, err := auth.IssueParticipantToken(ctx, "p-1"); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if w := do(r, first); w.Code != http.StatusUnauthorized {
		t.Fatalf("stale device: %d", w.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	auth := newTestAuth(t)
	r := newEngine(RequireAdminJWT(auth), RequirePermission(service.PermissionAttemptsManage))

	reader, _ := auth.IssueAdminToken("a-1", []string{service.PermissionAttemptsRead})
	if w := do(r, reader); w.Code != http.StatusForbidden {
		t.Fatalf("reader: %d", w.Code)
	}
	manager, _ := auth.IssueAdminToken("a-2", []string{service.PermissionAttemptsRead, service.PermissionAttemptsManage})
	if w := do(r, manager); w.Code != http.StatusOK {
		t.Fatalf("manager: %d", w.Code)
	}
}

func TestAdminTokenFromQuery(t *testing.T) {
	auth := newTestAuth(t)
	r := newEngine(RequireAdminJWT(auth))
	admin, _ := auth.IssueAdminToken("a-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/x?token="+admin, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "a-1" {
		t.Fatalf("query token: %d %s", w.Code, w.Body)
	}

	if w := do(r, "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", w.Code)
	}
}

func TestSingleDeviceSessionRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	auth := service.NewAuthService("test-secret", time.Hour, rdb)
	r := newEngine(RequireParticipantJWT(auth), CheckSingleDeviceSession(auth))

	token, err := auth.IssueParticipantToken(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mr.Close()

	if w := do(r, token); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("redis down: %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(r, "").Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	if !rl.Allow("someone-else") {
		t.Fatalf("keys share a bucket")
	}
}

func TestRateLimiterZeroDisablesLimiting(t *testing.T) {
	for _, n := range []int{0, -1} {
		rl := NewRateLimiter(n, time.Minute)
		for i := 0; i < 100; i++ {
			if !rl.Allow("p-1") {
				t.Fatalf("n=%d: request %d limited", n, i)
			}
		}
	}
}
