package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:            "secret",
		Issuer:            "oxygen-credits",
		ExpirationMinutes: 30,
	}
}

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := testJWTConfig()
	userID := uuid.New()

	token, err := MintAccessToken(cfg, time.Now().UTC(), AccessTokenPayload{UserID: userID, Role: enums.RoleVerifier, JTI: "jti-1"})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, claims.UserID)
	}
	if claims.Role != enums.RoleVerifier {
		t.Fatalf("expected verifier role, got %s", claims.Role)
	}
	if claims.ID != "jti-1" {
		t.Fatalf("expected jti-1, got %s", claims.ID)
	}
}

func TestMintAccessTokenRejectsInvalidRole(t *testing.T) {
	_, err := MintAccessToken(testJWTConfig(), time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: "admin"})
	if err == nil || !strings.Contains(err.Error(), "invalid user role") {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintAccessToken(cfg, time.Now().Add(-2*time.Hour), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleCompany})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseAccessTokenRejectsWrongIssuerOrSecret(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleContributor})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	other := cfg
	other.Issuer = "someone-else"
	if _, err := ParseAccessToken(other, token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}

	other = cfg
	other.Secret = "different"
	if _, err := ParseAccessToken(other, token); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestParseAccessTokenRejectsMismatchedSubject(t *testing.T) {
	cfg := testJWTConfig()
	now := time.Now()
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessTokenClaims{
		UserID: uuid.New(),
		Role:   enums.RoleCompany,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	raw, err := forged.SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(cfg, raw); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected identity error, got %v", err)
	}
}

func TestParseAccessTokenRejectsNoneAlgorithm(t *testing.T) {
	cfg := testJWTConfig()
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, AccessTokenClaims{
		UserID: uuid.New(),
		Role:   enums.RoleVerifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(cfg, raw); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}
}
