package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/auth"
	"github.com/johns10/codemyspec/internal/model"
)

func testScope() model.Scope {
	return model.Scope{AccountID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New()}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	scope := testScope()
	token, expiresAt, err := mgr.IssueToken(scope)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, scope, claims.Scope())
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func claimsFor(scope model.Scope, issuer string) *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   scope.UserID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"codemyspec"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		AccountID: scope.AccountID,
		ProjectID: scope.ProjectID,
	}
}

func TestValidateToken_FromKeyFiles(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	scope := testScope()
	claims, err := mgr.ValidateToken(forgeToken(t, privKey, claimsFor(scope, "codemyspec")))
	require.NoError(t, err)
	assert.Equal(t, scope, claims.Scope())
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	_, err := mgr.ValidateToken(forgeToken(t, privKey, claimsFor(testScope(), "someone-else")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MissingTenancy(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := claimsFor(testScope(), "codemyspec")
	c.ProjectID = uuid.Nil
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no account or project")
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := claimsFor(testScope(), "codemyspec")
	c.Subject = "not-a-uuid"
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := claimsFor(testScope(), "codemyspec")
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateToken_OtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey := newTestJWTManagerWithKey(t)
	_, err := mgr.ValidateToken(forgeToken(t, otherKey, claimsFor(testScope(), "codemyspec")))
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, block *pem.Block) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(block), 0600))
		return p
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)

	_, err = auth.NewJWTManager(
		write("priv.pem", &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}),
		write("pub.pem", &pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}),
		time.Hour,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
