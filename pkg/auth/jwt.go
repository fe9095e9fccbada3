package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

// CallerTokenClaims represents the claims in a caller JWT
type CallerTokenClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateCallerToken signs a credential for subject. A zero ttl issues a
// token without expiry.
func (a *Authenticator) GenerateCallerToken(subject string, role tenant.Role, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerTokenClaims{
		TenantID: tenantID,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateCallerToken validates a caller JWT and returns the claims
func (a *Authenticator) ValidateCallerToken(tokenString string) (*CallerTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallerTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*CallerTokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
