package tenant

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		caller  CallerIdentity
		want    Scope
		wantErr bool
	}{
		{
			name:   "super admin acting globally",
			caller: CallerIdentity{Role: RoleSuperAdmin},
			want:   Scope{Global: true},
		},
		{
			name:   "super admin inside tenant domain",
			caller: CallerIdentity{Role: RoleSuperAdmin, OriginTenantID: "tenant-b"},
			want:   Scope{TenantID: "tenant-b"},
		},
		{
			name:   "admin inside tenant domain",
			caller: CallerIdentity{Role: RoleAdmin, OriginTenantID: "tenant-a"},
			want:   Scope{TenantID: "tenant-a"},
		},
		{
			name:    "admin without domain fails closed",
			caller:  CallerIdentity{Role: RoleAdmin},
			wantErr: true,
		},
		{
			name:   "owner uses credential tenant and ignores origin",
			caller: CallerIdentity{Role: RoleOwner, TenantID: "tenant-a", OriginTenantID: "tenant-b"},
			want:   Scope{TenantID: "tenant-a"},
		},
		{
			name:   "agent uses credential tenant",
			caller: CallerIdentity{Role: RoleAgent, TenantID: "tenant-a"},
			want:   Scope{TenantID: "tenant-a"},
		},
		{
			name:    "agent without credential tenant fails closed",
			caller:  CallerIdentity{Role: RoleAgent, OriginTenantID: "tenant-a"},
			wantErr: true,
		},
		{
			name:   "customer uses origin tenant",
			caller: CallerIdentity{Role: RoleCustomer, TenantID: "tenant-x", OriginTenantID: "tenant-a"},
			want:   Scope{TenantID: "tenant-a"},
		},
		{
			name:    "customer without origin fails closed",
			caller:  CallerIdentity{Role: RoleCustomer, TenantID: "tenant-a"},
			wantErr: true,
		},
		{
			name:    "unknown role fails closed",
			caller:  CallerIdentity{Role: "robot", TenantID: "tenant-a"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.caller)
			if tt.wantErr {
				if !errors.Is(err, ErrTenantScopeViolation) {
					t.Fatalf("expected ErrTenantScopeViolation, got scope=%+v err=%v", got, err)
				}
				if got.Valid() {
					t.Fatalf("failed resolution must not return a usable scope, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("scope = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScopeAllows(t *testing.T) {
	if (Scope{}).Allows("tenant-a") {
		t.Fatal("empty scope must allow nothing")
	}
	if (Scope{}).Allows("") {
		t.Fatal("empty scope must not match records with an empty tenant")
	}
	if !ForTenant("tenant-a").Allows("tenant-a") {
		t.Fatal("tenant scope must allow its own tenant")
	}
	if ForTenant("tenant-a").Allows("tenant-b") {
		t.Fatal("tenant scope must not allow another tenant")
	}
	if !Unrestricted().Allows("tenant-b") {
		t.Fatal("global scope must allow any tenant")
	}
}

func TestOriginResolver(t *testing.T) {
	r := NewOriginResolver(map[string]string{
		"Shop.Example.com":  "tenant-a",
		"other.example.com": "tenant-b",
		"":                  "ignored",
	})

	cases := map[string]string{
		"https://shop.example.com":      "tenant-a",
		"shop.example.com:8443":         "tenant-a",
		"http://other.example.com:80/x": "tenant-b",
		"unknown.example.com":           "",
		"":                              "",
	}
	for origin, want := range cases {
		if got := r.Resolve(origin); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", origin, got, want)
		}
	}

	var nilResolver *OriginResolver
	if got := nilResolver.Resolve("shop.example.com"); got != "" {
		t.Errorf("nil resolver returned %q", got)
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole(" Owner "); !ok || role != RoleOwner {
		t.Fatalf("ParseRole owner = %q, %v", role, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatal("unknown role must not parse")
	}
}
