package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// newGuardedRouter wires the middleware stack around two echo routes,
// one safe and one mutating.
func newGuardedRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	guarded := router.Group("/")
	guarded.Use(svc.Middleware(), svc.CSRFMiddleware())
	handler := func(c *gin.Context) {
		userID, _ := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	}
	guarded.GET("/resource", handler)
	guarded.POST("/resource", handler)
	return router
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsMissingOrInvalidToken(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	router := newGuardedRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if rec := serve(router, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	if rec := serve(router, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token status %d, want 401", rec.Code)
	}
}

func TestBearerRequestsSkipCSRF(t *testing.T) {
	db := openTestDB(t)
	userID := insertTestUser(t, db)
	svc := NewService(db, nil, time.Hour)
	router := newGuardedRouter(svc)

	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/resource", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := serve(router, req); rec.Code != http.StatusOK {
		t.Fatalf("bearer mutating request status %d, want 200", rec.Code)
	}
}

func TestCookieRequestsNeedCSRFOnMutation(t *testing.T) {
	db := openTestDB(t)
	userID := insertTestUser(t, db)
	svc := NewService(db, nil, time.Hour)
	router := newGuardedRouter(svc)

	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	csrf, err := svc.NewCSRFToken()
	if err != nil {
		t.Fatalf("csrf token: %v", err)
	}

	withCookies := func(method string) *http.Request {
		req := httptest.NewRequest(method, "/resource", nil)
		req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
		req.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: csrf})
		return req
	}

	// Reads pass without the header.
	if rec := serve(router, withCookies(http.MethodGet)); rec.Code != http.StatusOK {
		t.Fatalf("cookie read status %d, want 200", rec.Code)
	}

	// Writes need the matching double-submit header.
	if rec := serve(router, withCookies(http.MethodPost)); rec.Code != http.StatusForbidden {
		t.Fatalf("cookie write without header status %d, want 403", rec.Code)
	}

	req := withCookies(http.MethodPost)
	req.Header.Set(svc.CSRFHeaderName(), "mismatch")
	if rec := serve(router, req); rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched csrf header status %d, want 403", rec.Code)
	}

	req = withCookies(http.MethodPost)
	req.Header.Set(svc.CSRFHeaderName(), csrf)
	if rec := serve(router, req); rec.Code != http.StatusOK {
		t.Fatalf("cookie write with header status %d, want 200", rec.Code)
	}
}
