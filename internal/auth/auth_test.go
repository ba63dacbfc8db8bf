package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelexchange/mxf/internal/config"
)

func TestDomainKeyMatching(t *testing.T) {
	v := NewVerifier(config.AuthConfig{DomainKey: "hunter2"})

	if _, err := v.Verify(Credentials{DomainKey: "hunter2"}); err != nil {
		t.Errorf("matching key rejected: %v", err)
	}
	if _, err := v.Verify(Credentials{DomainKey: "wrong"}); err == nil {
		t.Error("wrong key accepted")
	}
	if _, err := v.Verify(Credentials{}); err == nil {
		t.Error("missing key accepted")
	}
}

func TestNoAuthConfiguredAdmits(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	subject, err := v.Verify(Credentials{})
	if err != nil {
		t.Fatalf("open verifier rejected: %v", err)
	}
	if subject != "" {
		t.Errorf("subject = %q", subject)
	}
}

func TestPrincipalRequiredWhenConfigured(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	if _, err := v.Verify(Credentials{}); err == nil {
		t.Error("bare connect accepted with principal auth configured")
	}
}

func TestUserTokenRoundTrip(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	token, err := v.MintToken("agent-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	subject, err := v.Verify(Credentials{UserToken: token})
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if subject != "agent-7" {
		t.Errorf("subject = %q", subject)
	}
}

func TestUserTokenWrongSecret(t *testing.T) {
	minter := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	token, err := minter.MintToken("agent-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(config.AuthConfig{JWTSecret: "different"})
	if _, err := v.Verify(Credentials{UserToken: token}); err == nil {
		t.Error("token signed with a different secret accepted")
	}
}

func TestUserTokenExpired(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	token, err := v.MintToken("agent-7", -5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(Credentials{UserToken: token}); err == nil {
		t.Error("expired token accepted")
	}
}

func TestUserTokenRejectsUnexpectedAlgorithm(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	// alg=none carries no signature at all.
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "agent-7"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(Credentials{UserToken: token}); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestUserTokenNotAcceptedWithoutSecret(t *testing.T) {
	minter := NewVerifier(config.AuthConfig{JWTSecret: "s3cret"})
	token, err := minter.MintToken("agent-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(config.AuthConfig{APIKeys: map[string]string{"k1": "s1"}})
	if _, err := v.Verify(Credentials{UserToken: token}); err == nil {
		t.Error("token accepted by a key-only verifier")
	}
}

func TestKeyPair(t *testing.T) {
	v := NewVerifier(config.AuthConfig{APIKeys: map[string]string{"k1": "swordfish"}})

	subject, err := v.Verify(Credentials{KeyID: "k1", SecretKey: "swordfish"})
	if err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
	if subject != "k1" {
		t.Errorf("subject = %q", subject)
	}

	if _, err := v.Verify(Credentials{KeyID: "k1", SecretKey: "wrong"}); err == nil {
		t.Error("wrong secret accepted")
	}
	if _, err := v.Verify(Credentials{KeyID: "unknown", SecretKey: "swordfish"}); err == nil {
		t.Error("unknown key id accepted")
	}
}

func TestMintTokenRequiresSecret(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	if _, err := v.MintToken("agent-7", time.Minute); err == nil {
		t.Error("minted a token without a secret")
	}
}
