package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	PermWorkflowsRead      = "workflows:read"
	PermWorkflowsWrite     = "workflows:write"
	PermWorkflowsExecute   = "workflows:execute"
	PermIntegrationsRead   = "integrations:read"
	PermIntegrationsManage = "integrations:manage"
	PermAdmin              = "admin"
)

// Claims is the bearer token issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	TeamIDs     []string `json:"team_ids"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the token grants required. admin grants everything.
func (c *Claims) HasPermission(required string) bool {
	for _, perm := range c.Permissions {
		if perm == required || perm == PermAdmin {
			return true
		}
	}
	return false
}

func (c *Claims) IsAdmin() bool {
	for _, perm := range c.Permissions {
		if perm == PermAdmin {
			return true
		}
	}
	return false
}

func (c *Claims) Tenant() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: tenant_id", ErrInvalidToken)
	}
	return id, nil
}

// TokenManager signs and verifies HS256 user tokens.
type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewTokenManager(signingKey []byte, issuer string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{signingKey: signingKey, issuer: issuer, ttl: ttl}
}

// Issue signs a token for subject. The identity service owns issuance in
// production; this is used by tests and local tooling.
func (m *TokenManager) Issue(subject, tenantID string, teamIDs, permissions []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   subject,
			Issuer:    m.issuer,
		},
		TenantID:    tenantID,
		TeamIDs:     teamIDs,
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.Tenant(); err != nil {
		return nil, err
	}
	return claims, nil
}
