package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret, "admin-secret", tenant.NewOriginResolver(map[string]string{
		"shop-a.example.com": "tenant-a",
		"shop-b.example.com": "tenant-b",
	}))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func TestNewAuthenticatorRejectsShortSecret(t *testing.T) {
	if _, err := NewAuthenticator("short", "", nil); err != ErrSecretTooShort {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestCallerTokenRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := a.GenerateCallerToken("user-1", tenant.RoleOwner, "tenant-a", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}
	claims, err := a.ValidateCallerToken(token)
	if err != nil {
		t.Fatalf("ValidateCallerToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "tenant-a" || claims.Role != "owner" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	other, _ := NewAuthenticator("ffffffffffffffffffffffffffffffff", "", nil)
	if _, err := other.ValidateCallerToken(token); err == nil {
		t.Fatal("token signed with another secret must not validate")
	}
}

func TestCallerAuthMiddleware(t *testing.T) {
	a := newTestAuthenticator(t)
	app := fiber.New()
	app.Get("/whoami", a.CallerAuth(), func(c *fiber.Ctx) error {
		caller, ok := Caller(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"tenant": caller.TenantID, "origin": caller.OriginTenantID, "role": caller.Role})
	})

	ownerToken, _ := a.GenerateCallerToken("user-1", tenant.RoleOwner, "tenant-a", time.Hour)

	t.Run("missing header", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/whoami", nil))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("bad scheme", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Basic "+ownerToken)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("valid token with origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+ownerToken)
		req.Header.Set("Origin", "https://shop-b.example.com")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		token, _ := a.GenerateCallerToken("bot", tenant.Role("robot"), "tenant-a", time.Hour)
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusForbidden {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})
}

func TestAdminAuth(t *testing.T) {
	a := newTestAuthenticator(t)
	app := fiber.New()
	app.Get("/admin", a.AdminAuth(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-Admin-Secret", "admin-secret")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("valid secret status = %d", resp.StatusCode)
	}
}
