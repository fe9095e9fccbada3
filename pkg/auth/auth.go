package auth

import (
	"errors"
	"strings"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const localsCaller = "caller"

var ErrSecretTooShort = errors.New("JWT secret must be at least 32 characters")

// Authenticator validates caller credentials and admin secrets. It is
// constructed once at startup and shared by the route table.
type Authenticator struct {
	jwtSecret   []byte
	adminSecret string
	origins     *tenant.OriginResolver
}

func NewAuthenticator(jwtSecret string, adminSecret string, origins *tenant.OriginResolver) (*Authenticator, error) {
	jwtSecret = strings.TrimSpace(jwtSecret)
	if len(jwtSecret) < 32 {
		return nil, ErrSecretTooShort
	}
	return &Authenticator{
		jwtSecret:   []byte(jwtSecret),
		adminSecret: strings.TrimSpace(adminSecret),
		origins:     origins,
	}, nil
}
