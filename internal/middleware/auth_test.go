package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tuktuk-delivery/marketplace-system/internal/model"
)

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func issueCookie(t *testing.T, auth *AuthMiddleware, userID string, role model.Role) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	if err := auth.SetAuthCookie(rec, userID, role); err != nil {
		t.Fatalf("SetAuthCookie error: %v", err)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	var gotPrincipal *Principal
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = GetPrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid cookie", func(t *testing.T) {
		gotPrincipal = nil

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(issueCookie(t, auth, "user-1", model.RoleDriver))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if gotPrincipal == nil || gotPrincipal.UserID != "user-1" || gotPrincipal.Role != model.RoleDriver {
			t.Fatalf("unexpected principal: %+v", gotPrincipal)
		}
	})

	t.Run("missing cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("foreign secret", func(t *testing.T) {
		other := NewAuthMiddleware("other-secret")

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(issueCookie(t, other, "user-1", model.RoleDriver))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: "not-a-jwt"})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})
}

func TestParseToken_InvalidClaims(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	rec := httptest.NewRecorder()
	if err := auth.SetAuthCookie(rec, "user-1", model.Role("Superuser")); err != nil {
		t.Fatalf("SetAuthCookie error: %v", err)
	}

	cookie := rec.Result().Cookies()[0]
	if _, err := auth.parseToken(cookie.Value); err == nil {
		t.Fatal("token with unknown role must be rejected")
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(model.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("matching role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := req.Context()
		req = req.WithContext(withPrincipal(ctx, &Principal{UserID: "admin-1", Role: model.RoleAdmin}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("wrong role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := req.Context()
		req = req.WithContext(withPrincipal(ctx, &Principal{UserID: "user-1", Role: model.RoleCustomer}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
	})

	t.Run("no principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})
}
