package utils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"rentals-server/config"
	"rentals-server/models"
	"rentals-server/storage"
	"strconv"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

const (
	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 365 * 24 * time.Hour
	ResetTokenTTL   = 10 * time.Minute
)

func refreshKey(token string) string { return "refresh:" + token }

func CreateForgotPasswordToken(id uint, email string) (string, error) {
	signer := jwt.NewSigner(jwt.HS256, config.App.EmailTokenSecret, ResetTokenTTL)

	claims := ForgotPasswordToken{
		ID:    id,
		Email: email,
	}

	token, err := signer.Sign(claims)
	if err != nil {
		return "", err
	}

	return string(token), nil
}

// CreateTokenPair signs an access token carrying the user's current role and a
// refresh token that is recorded in the allow-list.
func CreateTokenPair(id uint) (*jwt.TokenPair, error) {
	accessTokenSigner := jwt.NewSigner(jwt.HS256, config.App.AccessTokenSecret, AccessTokenTTL)
	refreshTokenSigner := jwt.NewSigner(jwt.HS256, config.App.RefreshTokenSecret, RefreshTokenTTL)

	userID := strconv.FormatUint(uint64(id), 10)

	// The random ID keeps two pairs issued in the same second distinct.
	refreshClaims := jwt.Claims{Subject: userID, ID: GenerateShortToken(8)}

	var u models.User
	role := models.RoleUser
	if err := storage.DB.Select("id, role").First(&u, id).Error; err == nil && u.Role != "" {
		role = u.Role
	}

	accessToken, err := accessTokenSigner.Sign(AccessToken{ID: id, Role: role})
	if err != nil {
		return nil, err
	}

	refreshToken, err := refreshTokenSigner.Sign(refreshClaims)
	if err != nil {
		return nil, err
	}

	if err := storage.Cache.Set(context.Background(), refreshKey(string(refreshToken)), userID, RefreshTokenTTL+5*time.Minute); err != nil {
		return nil, err
	}

	return &jwt.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// RefreshToken consumes a verified refresh token and issues a new pair.
// Each refresh token can be used once.
func RefreshToken(ctx iris.Context) {
	token := jwt.GetVerifiedToken(ctx)
	tokenStr := string(token.Token)
	key := refreshKey(tokenStr)

	owner, err := storage.Cache.Get(ctx.Request().Context(), key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		CreateNotFound(ctx)
		return
	}
	if err != nil {
		CreateInternalServerError(ctx)
		return
	}

	if owner != token.StandardClaims.Subject {
		ctx.StopWithStatus(iris.StatusForbidden)
		return
	}

	storage.Cache.Del(ctx.Request().Context(), key)
	userID, parseErr := strconv.ParseUint(token.StandardClaims.Subject, 10, 32)
	if parseErr != nil {
		CreateInternalServerError(ctx)
		return
	}

	tokenPair, tokenPairErr := CreateTokenPair(uint(userID))
	if tokenPairErr != nil {
		CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{
		"accessToken":  string(tokenPair.AccessToken),
		"refreshToken": string(tokenPair.RefreshToken),
	})
}

// GenerateShortToken returns 2n hex characters of randomness.
func GenerateShortToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

type ForgotPasswordToken struct {
	ID    uint   `json:"ID"`
	Email string `json:"email"`
}

type AccessToken struct {
	ID   uint   `json:"ID"`
	Role string `json:"role"`
}

type RefreshTokenInput struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}
