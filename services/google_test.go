package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"rentals-server/config"
	"rentals-server/models"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGoogle(t *testing.T) (*GoogleAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	g := NewGoogleAuth(&config.Config{GoogleClientID: "client-123", PublicURL: "http://api.test"})
	g.keys = func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
	return g, key
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestVerifyIDToken(t *testing.T) {
	g, key := newTestGoogle(t)
	valid := jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            "client-123",
		"sub":            "1099",
		"email":          "Ana@Example.com",
		"email_verified": true,
		"given_name":     "Ana",
		"family_name":    "Silva",
		"exp":            time.Now().Add(time.Hour).Unix(),
	}

	id, err := g.VerifyIDToken(context.Background(), signIDToken(t, key, valid))
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", id.Email)
	assert.True(t, id.EmailVerified)
	assert.Equal(t, "Silva", id.FamilyName)

	wrongAud := jwt.MapClaims{}
	for k, v := range valid {
		wrongAud[k] = v
	}
	wrongAud["aud"] = "someone-else"
	_, err = g.VerifyIDToken(context.Background(), signIDToken(t, key, wrongAud))
	assert.ErrorIs(t, err, ErrInvalidIDToken)

	wrongAud["aud"] = "client-123"
	wrongAud["iss"] = "https://evil.example.com"
	_, err = g.VerifyIDToken(context.Background(), signIDToken(t, key, wrongAud))
	assert.ErrorIs(t, err, ErrInvalidIDToken)

	wrongAud["iss"] = "accounts.google.com"
	wrongAud["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = g.VerifyIDToken(context.Background(), signIDToken(t, key, wrongAud))
	assert.ErrorIs(t, err, ErrInvalidIDToken)
}

func TestAuthCodeURL(t *testing.T) {
	g, _ := newTestGoogle(t)
	u := g.AuthCodeURL("state-xyz")
	assert.Contains(t, u, "accounts.google.com")
	assert.Contains(t, u, "state=state-xyz")
	assert.Contains(t, u, "client_id=client-123")
	assert.Contains(t, u, "api%2Fauth%2Fgoogle%2Fcallback")
}

func TestKeyfuncRetriesAfterFailedLoad(t *testing.T) {
	g := NewGoogleAuth(&config.Config{GoogleClientID: "client-123"})
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	calls := 0
	g.loadKeys = func() (jwt.Keyfunc, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }, nil
	}

	raw := signIDToken(t, key, jwt.MapClaims{
		"iss": "accounts.google.com", "aud": "client-123", "sub": "7",
		"email": "a@example.com", "exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = g.VerifyIDToken(context.Background(), raw)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Inside the retry window the loader is not hit again.
	_, err = g.VerifyIDToken(context.Background(), raw)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	g.lastFail = time.Now().Add(-2 * jwksRetryDelay)
	id, err := g.VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "7", id.Subject)
	assert.Equal(t, 2, calls)

	_, err = g.VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGoogleSignIn(t *testing.T) {
	db := setupDB(t)

	user, err := GoogleSignIn(&GoogleIdentity{Subject: "sub-1", Email: "new@example.com", EmailVerified: true, GivenName: "New"})
	require.NoError(t, err)
	assert.True(t, user.SocialLogin)
	assert.Equal(t, "Google", user.SocialProvider)
	assert.Equal(t, "sub-1", user.SocialID)

	again, err := GoogleSignIn(&GoogleIdentity{Subject: "sub-1", Email: "NEW@example.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)

	createUser(t, db, "pw@example.com", models.RoleUser)
	_, err = GoogleSignIn(&GoogleIdentity{Subject: "sub-2", Email: "pw@example.com", EmailVerified: true})
	assert.ErrorIs(t, err, ErrEmailRegistered)
}

func TestGoogleSignInRejectsOtherSubjectOrUnverifiedEmail(t *testing.T) {
	db := setupDB(t)

	owner, err := GoogleSignIn(&GoogleIdentity{Subject: "sub-owner", Email: "owner@example.com", EmailVerified: true})
	require.NoError(t, err)

	_, err = GoogleSignIn(&GoogleIdentity{Subject: "sub-other", Email: "owner@example.com", EmailVerified: false})
	assert.ErrorIs(t, err, ErrInvalidIDToken)

	_, err = GoogleSignIn(&GoogleIdentity{Subject: "sub-other", Email: "owner@example.com", EmailVerified: true})
	assert.ErrorIs(t, err, ErrEmailRegistered)

	_, err = GoogleSignIn(&GoogleIdentity{Email: "owner@example.com", EmailVerified: true})
	assert.ErrorIs(t, err, ErrInvalidIDToken)

	// A social account stored without a subject is bound on its next sign-in.
	legacy := models.User{Email: "legacy@example.com", SocialLogin: true, SocialProvider: "Google", Role: models.RoleUser}
	require.NoError(t, db.Create(&legacy).Error)
	bound, err := GoogleSignIn(&GoogleIdentity{Subject: "sub-legacy", Email: "legacy@example.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, bound.ID)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, legacy.ID).Error)
	assert.Equal(t, "sub-legacy", reloaded.SocialID)

	_, err = GoogleSignIn(&GoogleIdentity{Subject: "sub-thief", Email: "legacy@example.com", EmailVerified: true})
	assert.ErrorIs(t, err, ErrEmailRegistered)

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.NotZero(t, owner.ID)
}
