package services

import (
	"context"
	"errors"
	"fmt"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"
)

const (
	googleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	googleProvider = "Google"
)

var (
	ErrGoogleDisabled     = errors.New("google sign-in is not configured")
	ErrInvalidIDToken     = errors.New("invalid google id token")
	ErrEmailRegistered    = errors.New("email already registered")
	googleIssuers         = []string{"accounts.google.com", "https://accounts.google.com"}
	googleScopes          = []string{"openid", "email", "profile"}
	errMissingGoogleEmail = errors.New("google account has no email")
)

// GoogleIdentity is the verified profile carried by a Google id token.
type GoogleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	Picture       string
}

type GoogleProvider interface {
	VerifyIDToken(ctx context.Context, rawToken string) (*GoogleIdentity, error)
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*GoogleIdentity, error)
}

// Google is nil when no client id is configured.
var Google GoogleProvider

// GoogleAuth verifies id tokens against Google's published keys and runs
// the authorization code flow.
type GoogleAuth struct {
	clientID string
	oauth    *oauth2.Config

	mu       sync.Mutex
	keys     jwt.Keyfunc
	lastFail time.Time
	loadKeys func() (jwt.Keyfunc, error)
}

func NewGoogleAuth(cfg *config.Config) *GoogleAuth {
	redirect := cfg.GoogleRedirectURL
	if redirect == "" {
		redirect = strings.TrimRight(cfg.PublicURL, "/") + "/api/auth/google/callback"
	}
	return &GoogleAuth{
		clientID: cfg.GoogleClientID,
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect,
			Endpoint:     google.Endpoint,
			Scopes:       googleScopes,
		},
		loadKeys: fetchGoogleJWKS,
	}
}

func InitializeGoogle(cfg *config.Config) {
	if !cfg.GoogleEnabled() {
		logging.Log.Warn("GOOGLE_CLIENT_ID not set, google sign-in disabled")
		Google = nil
		return
	}
	Google = NewGoogleAuth(cfg)
}

// jwksRetryDelay spaces out reloads after a failed JWKS fetch.
const jwksRetryDelay = 5 * time.Second

func fetchGoogleJWKS() (jwt.Keyfunc, error) {
	jwks, err := keyfunc.Get(googleJWKSURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logging.Log.WithError(err).Warn("google jwks refresh failed")
		},
	})
	if err != nil {
		return nil, err
	}
	return jwks.Keyfunc, nil
}

// keyfunc loads the JWKS on first use; keyfunc keeps it refreshed after
// that. A failed load is retried on a later call.
func (g *GoogleAuth) keyfunc() (jwt.Keyfunc, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.keys != nil {
		return g.keys, nil
	}
	if !g.lastFail.IsZero() && time.Since(g.lastFail) < jwksRetryDelay {
		return nil, fmt.Errorf("load google jwks: retry after %s", jwksRetryDelay)
	}

	keys, err := g.loadKeys()
	if err != nil {
		g.lastFail = time.Now()
		return nil, fmt.Errorf("load google jwks: %w", err)
	}
	g.keys = keys
	g.lastFail = time.Time{}
	return keys, nil
}

func (g *GoogleAuth) VerifyIDToken(_ context.Context, rawToken string) (*GoogleIdentity, error) {
	keys, err := g.keyfunc()
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, keys)
	if err != nil || !token.Valid {
		return nil, ErrInvalidIDToken
	}
	if !claims.VerifyAudience(g.clientID, true) {
		return nil, ErrInvalidIDToken
	}
	issuerOK := false
	for _, iss := range googleIssuers {
		if claims.VerifyIssuer(iss, true) {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return nil, ErrInvalidIDToken
	}

	str := func(k string) string {
		v, _ := claims[k].(string)
		return v
	}
	identity := &GoogleIdentity{
		Subject:    str("sub"),
		Email:      strings.ToLower(str("email")),
		GivenName:  str("given_name"),
		FamilyName: str("family_name"),
		Picture:    str("picture"),
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		identity.EmailVerified = v
	case string:
		identity.EmailVerified = v == "true"
	}
	return identity, nil
}

func (g *GoogleAuth) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for tokens and verifies the returned id token.
func (g *GoogleAuth) Exchange(ctx context.Context, code string) (*GoogleIdentity, error) {
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google code exchange: %w", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, ErrInvalidIDToken
	}
	return g.VerifyIDToken(ctx, rawID)
}

// GoogleSignIn finds or creates the user for a verified identity. The Google
// subject is bound to the account on first sign-in and must match after that.
// An email registered with a password, or bound to another Google account,
// returns ErrEmailRegistered.
func GoogleSignIn(identity *GoogleIdentity) (*models.User, error) {
	if identity.Email == "" {
		return nil, errMissingGoogleEmail
	}
	if identity.Subject == "" || !identity.EmailVerified {
		return nil, ErrInvalidIDToken
	}

	var user models.User
	err := storage.DB.Where("social_provider = ? AND social_id = ?", googleProvider, identity.Subject).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = storage.DB.Where("lower(email) = ?", strings.ToLower(identity.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			FirstName:      identity.GivenName,
			LastName:       identity.FamilyName,
			Email:          identity.Email,
			AvatarURL:      identity.Picture,
			SocialLogin:    true,
			SocialProvider: googleProvider,
			SocialID:       identity.Subject,
			Role:           models.RoleUser,
		}
		if err := storage.DB.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}

	if !user.SocialLogin || user.SocialProvider != googleProvider || user.SocialID != "" {
		return nil, ErrEmailRegistered
	}

	// Accounts created before subjects were stored get bound now.
	if err := storage.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("social_id", identity.Subject).Error; err != nil {
		return nil, err
	}
	user.SocialID = identity.Subject
	return &user, nil
}
