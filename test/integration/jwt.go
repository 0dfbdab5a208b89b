package integration

import (
	"crypto/rand"
	"encoding/hex"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Locale    string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a per-test shared secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generate signing secret: %v", err)
	}
	return &tokenIssuer{
		secret:   []byte(hex.EncodeToString(raw)),
		issuer:   "https://auth.test.bpfstage.dev",
		audience: "bpfstage-test",
	}
}

// GenerateToken creates a valid, signed JWT with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(claims, now, now.Add(time.Hour)), ti.secret)
}

// GenerateExpiredToken creates a JWT that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.secret)
}

// GenerateForeignToken creates an otherwise valid JWT signed with a secret
// the server does not know.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(claims, now, now.Add(time.Hour)), []byte("not-the-configured-secret"))
}

func (ti *tokenIssuer) claims(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(expiresAt),
		"sub": claims.SubjectID,
	}
	if claims.Locale != "" {
		mapClaims["locale"] = claims.Locale
	}
	maps.Copy(mapClaims, claims.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims, secret []byte) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Secret returns the shared signing secret.
func (ti *tokenIssuer) Secret() string {
	return string(ti.secret)
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
