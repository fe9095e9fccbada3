// Package tenant computes the data scope of a caller. Every store read and
// write is composed with the Scope returned by Resolve.
package tenant

import (
	"errors"
	"strings"
)

// Role is the caller's platform role as carried by its credential.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
	RoleAgent      Role = "agent"
	RoleCustomer   Role = "customer"
)

var ErrTenantScopeViolation = errors.New("tenant scope could not be resolved for caller")

// CallerIdentity is built once per request by the auth middleware and passed
// explicitly to every operation.
type CallerIdentity struct {
	Subject string
	Role    Role
	// TenantID is the tenant embedded in the signed credential.
	TenantID string
	// OriginTenantID is the tenant resolved from the request origin (domain).
	OriginTenantID string
}

// Scope restricts reads and writes to a single tenant unless Global is set.
type Scope struct {
	Global   bool
	TenantID string
}

// ForTenant is the scope used by trusted internal callers that already know
// the owning tenant, such as the webhook router and background routines.
func ForTenant(tenantID string) Scope {
	return Scope{TenantID: strings.TrimSpace(tenantID)}
}

// Unrestricted is the scope of platform-wide maintenance work.
func Unrestricted() Scope {
	return Scope{Global: true}
}

// Allows reports whether a record owned by tenantID is visible in the scope.
// An empty scope allows nothing.
func (s Scope) Allows(tenantID string) bool {
	if s.Global {
		return true
	}
	return s.TenantID != "" && s.TenantID == tenantID
}

// Valid reports whether the scope restricts to something meaningful.
func (s Scope) Valid() bool {
	return s.Global || s.TenantID != ""
}

func (s Scope) String() string {
	if s.Global {
		return "*"
	}
	return s.TenantID
}

// Resolve maps a caller to its scope. Rules, in priority order:
//   - super admin without a domain context: unrestricted
//   - super admin or admin inside a tenant domain: that tenant
//   - owner and agent: the tenant from the credential only
//   - customer: the tenant resolved from the request origin
//
// Anything else fails closed with ErrTenantScopeViolation.
func Resolve(caller CallerIdentity) (Scope, error) {
	credentialTenant := strings.TrimSpace(caller.TenantID)
	originTenant := strings.TrimSpace(caller.OriginTenantID)

	switch caller.Role {
	case RoleSuperAdmin:
		if originTenant == "" {
			return Unrestricted(), nil
		}
		return ForTenant(originTenant), nil
	case RoleAdmin:
		if originTenant == "" {
			return Scope{}, ErrTenantScopeViolation
		}
		return ForTenant(originTenant), nil
	case RoleOwner, RoleAgent:
		if credentialTenant == "" {
			return Scope{}, ErrTenantScopeViolation
		}
		return ForTenant(credentialTenant), nil
	case RoleCustomer:
		if originTenant == "" {
			return Scope{}, ErrTenantScopeViolation
		}
		return ForTenant(originTenant), nil
	}
	return Scope{}, ErrTenantScopeViolation
}

// ParseRole accepts the role names used in credentials, case-insensitively.
func ParseRole(raw string) (Role, bool) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleSuperAdmin, RoleAdmin, RoleOwner, RoleAgent, RoleCustomer:
		return role, true
	}
	return "", false
}
