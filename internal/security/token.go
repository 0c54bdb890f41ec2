package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminTokenIssuer = "throttled"

var (
	errMissingSecret = errors.New("security: missing jwt secret")
	errInvalidToken  = errors.New("security: invalid token")
)

// AdminClaims are the claims carried by an admin API token.
type AdminClaims struct {
	Permissions  []string `json:"permissions,omitempty"`
	IsSuperAdmin bool     `json:"super,omitempty"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 admin token for subject. A zero expiry issues a token that never expires.
func IssueAdminToken(secret, subject string, permissions []string, superAdmin bool, expiry time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errMissingSecret
	}
	now := time.Now().UTC()
	claims := AdminClaims{
		Permissions:  permissions,
		IsSuperAdmin: superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   adminTokenIssuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign token: %w", errSign)
	}
	return signed, nil
}

// ParseAdminToken verifies an admin token and returns its claims.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errMissingSecret
	}
	claims := &AdminClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminTokenIssuer),
		jwt.WithIssuedAt(),
	)
	if errParse != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, errParse)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}
