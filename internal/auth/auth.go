// Package auth verifies connect credentials: the shared domain key plus
// either a signed user token or an api key-id/secret pair.
package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/pkg/models"
)

// Credentials is what a client presents on connect.
type Credentials struct {
	DomainKey string `json:"domain_key,omitempty"`
	UserToken string `json:"user_token,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// Claims are the user-token claims the server reads.
type Claims struct {
	AgentID string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks connect credentials against the configured auth material.
type Verifier struct {
	cfg config.AuthConfig
}

// NewVerifier creates a verifier.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify checks the credentials. The domain key must match when configured;
// beyond that, a user token or a key pair must authenticate. The returned
// subject is the authenticated principal (token subject or key id). Errors
// are structured authorization errors safe to surface to clients.
func (v *Verifier) Verify(creds Credentials) (string, error) {
	if v.cfg.DomainKey != "" {
		if subtle.ConstantTimeCompare([]byte(creds.DomainKey), []byte(v.cfg.DomainKey)) != 1 {
			return "", models.NewError(models.ErrKindAuthorization, models.CodeInternalError,
				models.SeverityHigh, "domain key mismatch")
		}
	}

	switch {
	case creds.UserToken != "":
		return v.verifyToken(creds.UserToken)
	case creds.KeyID != "":
		return v.verifyKeyPair(creds.KeyID, creds.SecretKey)
	case v.cfg.JWTSecret == "" && len(v.cfg.APIKeys) == 0:
		// No principal auth configured: the domain key alone admits.
		return "", nil
	default:
		return "", models.NewError(models.ErrKindAuthorization, models.CodeMissingParameters,
			models.SeverityHigh, "user token or key pair required")
	}
}

func (v *Verifier) verifyToken(token string) (string, error) {
	if v.cfg.JWTSecret == "" {
		return "", models.NewError(models.ErrKindAuthorization, models.CodeInternalError,
			models.SeverityHigh, "user tokens are not accepted")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", models.NewError(models.ErrKindAuthorization, models.CodeInternalError,
			models.SeverityHigh, "invalid user token")
	}
	if claims.AgentID != "" {
		return claims.AgentID, nil
	}
	return claims.Subject, nil
}

func (v *Verifier) verifyKeyPair(keyID, secret string) (string, error) {
	expected, ok := v.cfg.APIKeys[keyID]
	if !ok {
		// Compare against a dummy value so unknown and wrong keys cost the
		// same.
		subtle.ConstantTimeCompare([]byte(secret), []byte("mxf-no-such-key"))
		return "", models.NewError(models.ErrKindAuthorization, models.CodeInternalError,
			models.SeverityHigh, "invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
		return "", models.NewError(models.ErrKindAuthorization, models.CodeInternalError,
			models.SeverityHigh, "invalid api key")
	}
	return keyID, nil
}

// MintToken issues a signed user token for the agent, used by the CLI and
// by tests.
func (v *Verifier) MintToken(agentID string, ttl time.Duration) (string, error) {
	if v.cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "mxf",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.JWTSecret))
}
