package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

// AdminAuth validates the X-Admin-Secret header for admin endpoints
func (a *Authenticator) AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get("X-Admin-Secret")
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		if a.adminSecret == "" {
			return router.ResponseInternalError(c, "Admin secret key not configured")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(a.adminSecret)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}

// CallerAuth validates the Bearer JWT and stores the CallerIdentity in locals.
// The credential tenant comes from the signed claims only; the origin tenant
// comes from the Origin header, falling back to the Host header.
func (a *Authenticator) CallerAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return router.ResponseUnauthorized(c, "Invalid Authorization header format. Use: Bearer <token>")
		}
		tokenString = strings.TrimSpace(tokenString)
		if tokenString == "" {
			return router.ResponseUnauthorized(c, "Missing token")
		}

		claims, err := a.ValidateCallerToken(tokenString)
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}

		role, ok := tenant.ParseRole(claims.Role)
		if !ok {
			return router.ResponseForbidden(c, "Unknown caller role")
		}

		origin := c.Get(fiber.HeaderOrigin)
		if origin == "" {
			origin = c.Hostname()
		}

		c.Locals(localsCaller, tenant.CallerIdentity{
			Subject:        claims.Subject,
			Role:           role,
			TenantID:       claims.TenantID,
			OriginTenantID: a.origins.Resolve(origin),
		})

		return c.Next()
	}
}

// Caller returns the identity stored by CallerAuth.
func Caller(c *fiber.Ctx) (tenant.CallerIdentity, bool) {
	caller, ok := c.Locals(localsCaller).(tenant.CallerIdentity)
	return caller, ok
}

// Scope resolves the tenant scope of the authenticated caller. Requests that
// never passed CallerAuth fail closed.
func Scope(c *fiber.Ctx) (tenant.Scope, error) {
	caller, ok := Caller(c)
	if !ok {
		return tenant.Scope{}, tenant.ErrTenantScopeViolation
	}
	return tenant.Resolve(caller)
}
