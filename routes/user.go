package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"
	"time"

	"github.com/kataras/iris/v12"
	jsonWT "github.com/kataras/iris/v12/middleware/jwt"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slices"
	"gorm.io/datatypes"
)

const googleStateCookie = "google_oauth_state"

func Register(ctx iris.Context) {
	var userInput RegisterUserInput
	err := ctx.ReadJSON(&userInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var newUser models.User
	userExists, userExistsErr := getAndHandleUserExists(&newUser, userInput.Email)
	if userExistsErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	if userExists {
		utils.CreateEmailAlreadyRegistered(ctx)
		return
	}

	hashedPassword, hashErr := hashAndSaltPassword(userInput.Password)
	if hashErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	newUser = models.User{
		FirstName:   userInput.FirstName,
		LastName:    userInput.LastName,
		Email:       strings.ToLower(userInput.Email),
		Password:    hashedPassword,
		SocialLogin: false,
		Role:        models.RoleUser,
	}

	if err := storage.DB.Create(&newUser).Error; err != nil {
		logging.Log.WithError(err).Error("create user")
		utils.CreateInternalServerError(ctx)
		return
	}

	returnUser(newUser, ctx)
}

func Login(ctx iris.Context) {
	var userInput LoginUserInput
	err := ctx.ReadJSON(&userInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var existingUser models.User
	errorMsg := "Invalid email or password."
	userExists, userExistsErr := getAndHandleUserExists(&existingUser, userInput.Email)
	if userExistsErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	if !userExists {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", errorMsg, ctx)
		return
	}

	if existingUser.SocialLogin {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", "Social Login Account", ctx)
		return
	}

	passwordErr := bcrypt.CompareHashAndPassword([]byte(existingUser.Password), []byte(userInput.Password))
	if passwordErr != nil {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", errorMsg, ctx)
		return
	}

	returnUser(existingUser, ctx)
}

// GoogleLoginOrSignUp exchanges a Google id token from the client for our token pair.
func GoogleLoginOrSignUp(ctx iris.Context) {
	var userInput GoogleUserInput
	err := ctx.ReadJSON(&userInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	if services.Google == nil {
		respondServiceError(ctx, services.ErrGoogleDisabled)
		return
	}

	identity, err := services.Google.VerifyIDToken(ctx.Request().Context(), userInput.IDToken)
	if err != nil {
		logging.Log.WithError(err).Warn("google id token rejected")
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", "Invalid Google token.", ctx)
		return
	}

	user, err := services.GoogleSignIn(identity)
	if errors.Is(err, services.ErrInvalidIDToken) {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", "Google account email is not verified.", ctx)
		return
	}
	if errors.Is(err, services.ErrEmailRegistered) {
		utils.CreateEmailAlreadyRegistered(ctx)
		return
	}
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	returnUser(*user, ctx)
}

func secureCookie(_ iris.Context, c *http.Cookie, _ uint8) { c.Secure = true }

// GoogleRedirect starts the browser authorization code flow.
func GoogleRedirect(ctx iris.Context) {
	if services.Google == nil {
		respondServiceError(ctx, services.ErrGoogleDisabled)
		return
	}

	state := utils.GenerateShortToken(16)
	options := []iris.CookieOption{iris.CookieExpires(10 * time.Minute), iris.CookieHTTPOnly(true)}
	if config.App.IsProduction() {
		options = append(options, secureCookie)
	}
	ctx.SetCookieKV(googleStateCookie, state, options...)
	ctx.Redirect(services.Google.AuthCodeURL(state), iris.StatusFound)
}

// GoogleCallback finishes the browser flow and hands the token pair to the
// frontend in the URL fragment.
func GoogleCallback(ctx iris.Context) {
	callback := strings.TrimRight(config.App.FrontendURL, "/") + "/auth/callback"
	fail := func(reason string) {
		ctx.Redirect(callback+"#error="+url.QueryEscape(reason), iris.StatusFound)
	}

	if services.Google == nil {
		fail("google_disabled")
		return
	}

	state := ctx.URLParam("state")
	expected := ctx.GetCookie(googleStateCookie)
	ctx.RemoveCookie(googleStateCookie)
	if state == "" || state != expected {
		fail("invalid_state")
		return
	}

	code := ctx.URLParam("code")
	if code == "" {
		fail("missing_code")
		return
	}

	identity, err := services.Google.Exchange(ctx.Request().Context(), code)
	if err != nil {
		logging.Log.WithError(err).Warn("google code exchange failed")
		fail("exchange_failed")
		return
	}

	user, err := services.GoogleSignIn(identity)
	if errors.Is(err, services.ErrInvalidIDToken) {
		fail("unverified_email")
		return
	}
	if errors.Is(err, services.ErrEmailRegistered) {
		fail("email_registered")
		return
	}
	if err != nil {
		logging.Log.WithError(err).Error("google sign in")
		fail("server_error")
		return
	}

	tokenPair, err := utils.CreateTokenPair(user.ID)
	if err != nil {
		fail("server_error")
		return
	}

	fragment := url.Values{}
	fragment.Set("accessToken", string(tokenPair.AccessToken))
	fragment.Set("refreshToken", string(tokenPair.RefreshToken))
	ctx.Redirect(callback+"#"+fragment.Encode(), iris.StatusFound)
}

func ForgotPassword(ctx iris.Context) {
	var emailInput EmailRegisteredInput
	err := ctx.ReadJSON(&emailInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var user models.User
	userExists, userExistsErr := getAndHandleUserExists(&user, emailInput.Email)
	if userExistsErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	if !userExists {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", "Invalid email.", ctx)
		return
	}

	if user.SocialLogin {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", "Social Login Account", ctx)
		return
	}

	token, tokenErr := utils.CreateForgotPasswordToken(user.ID, user.Email)
	if tokenErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	link := strings.TrimRight(config.App.FrontendURL, "/") + "/resetpassword/" + token
	body := "It looks like you forgot your password. If you did, open the link below to reset it.\n" +
		"If you did not, disregard this email. The link expires in 10 minutes.\n\n" + link + "\n"

	err = services.Mail.Send(ctx.Request().Context(), services.MailMessage{
		To:      user.Email,
		Subject: "Forgot Your Password?",
		Body:    body,
	})
	utils.CountNotification("email", err)
	if err != nil {
		logging.Log.WithField("user", user.ID).WithError(err).Error("password reset email failed")
		ctx.JSON(iris.Map{"emailSent": false})
		return
	}

	ctx.JSON(iris.Map{"emailSent": true})
}

func ResetPassword(ctx iris.Context) {
	var password ResetPasswordInput
	err := ctx.ReadJSON(&password)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	hashedPassword, hashErr := hashAndSaltPassword(password.Password)
	if hashErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	claims, ok := jsonWT.Get(ctx).(*utils.ForgotPasswordToken)
	if !ok {
		ctx.StopWithStatus(iris.StatusUnauthorized)
		return
	}

	res := storage.DB.Model(&models.User{}).
		Where("id = ? AND email = ?", claims.ID, claims.Email).
		Update("password", hashedPassword)
	if res.Error != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	if res.RowsAffected == 0 {
		utils.CreateNotFound(ctx)
		return
	}

	ctx.JSON(iris.Map{
		"passwordReset": true,
	})
}

func GetUser(ctx iris.Context) {
	user := getUserByID(utils.CurrentUserID(ctx), ctx)
	if user == nil {
		return
	}
	ctx.JSON(user)
}

func UpdateUserProfile(ctx iris.Context) {
	user := getUserByID(utils.CurrentUserID(ctx), ctx)
	if user == nil {
		return
	}

	var input UpdateProfileInput
	err := ctx.ReadJSON(&input)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	updates := map[string]interface{}{}
	if input.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*input.LastName)
	}
	if input.AvatarURL != nil {
		updates["avatar_url"] = *input.AvatarURL
	}
	if input.PhoneNumber != nil {
		phone := ""
		if strings.TrimSpace(*input.PhoneNumber) != "" {
			phone, err = utils.NormalizePhoneNumber(*input.PhoneNumber, config.App.PhoneCountryCode)
			if err != nil {
				utils.CreateError(iris.StatusBadRequest, "Validation Error", "Invalid phone number.", ctx)
				return
			}
		}
		updates["phone_number"] = phone
	}

	if len(updates) > 0 {
		if err := storage.DB.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
	}

	if user = getUserByID(user.ID, ctx); user == nil {
		return
	}
	ctx.JSON(user)
}

func AllowsNotifications(ctx iris.Context) {
	user := getUserByID(utils.CurrentUserID(ctx), ctx)
	if user == nil {
		return
	}

	var req AllowsNotificationsInput
	err := ctx.ReadJSON(&req)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	updates := map[string]interface{}{}
	if req.AllowsEmail != nil {
		updates["allows_email"] = *req.AllowsEmail
	}
	if req.AllowsSMS != nil {
		updates["allows_sms"] = *req.AllowsSMS
	}
	if len(updates) == 0 {
		utils.CreateError(iris.StatusBadRequest, "Bad Request", "Nothing to update.", ctx)
		return
	}

	if err := storage.DB.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.StatusCode(iris.StatusNoContent)
}

func GetUserSavedProperties(ctx iris.Context) {
	user := getUserByID(utils.CurrentUserID(ctx), ctx)
	if user == nil {
		return
	}

	properties := []models.Property{}
	saved := user.SavedPropertyIDs()
	if len(saved) > 0 {
		err := storage.DB.Where("id IN ?", saved).
			Where("is_active = ? AND status = ?", true, models.PropertyStatusApproved).
			Preload("Images", orderByPosition).
			Find(&properties).Error
		if err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
	}

	ctx.JSON(properties)
}

func AlterUserSavedProperties(ctx iris.Context) {
	user := getUserByID(utils.CurrentUserID(ctx), ctx)
	if user == nil {
		return
	}

	var req AlterSavedPropertiesInput
	err := ctx.ReadJSON(&req)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	saved := user.SavedPropertyIDs()
	switch req.Op {
	case "add":
		var property models.Property
		if err := storage.DB.Select("id").First(&property, req.PropertyID).Error; err != nil {
			respondServiceError(ctx, err)
			return
		}
		if !slices.Contains(saved, req.PropertyID) {
			saved = append(saved, req.PropertyID)
		}
	case "remove":
		if i := slices.Index(saved, req.PropertyID); i >= 0 {
			saved = slices.Delete(saved, i, i+1)
		}
	}

	marshalled, marshalErr := json.Marshal(saved)
	if marshalErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	err = storage.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Update("saved_properties", datatypes.JSON(marshalled)).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.StatusCode(iris.StatusNoContent)
}

func getAndHandleUserExists(user *models.User, email string) (exists bool, err error) {
	userExistsQuery := storage.DB.Where("email = ?", strings.ToLower(email)).Limit(1).Find(user)
	if userExistsQuery.Error != nil {
		return false, userExistsQuery.Error
	}
	return userExistsQuery.RowsAffected > 0, nil
}

func hashAndSaltPassword(password string) (hashedPassword string, err error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

func getUserByID(id uint, ctx iris.Context) *models.User {
	var user models.User
	userExists := storage.DB.Where("id = ?", id).Limit(1).Find(&user)

	if userExists.Error != nil {
		utils.CreateInternalServerError(ctx)
		return nil
	}

	if userExists.RowsAffected == 0 {
		utils.CreateError(iris.StatusNotFound, "Not Found", "User not found", ctx)
		return nil
	}

	return &user
}

func returnUser(user models.User, ctx iris.Context) {
	tokenPair, tokenErr := utils.CreateTokenPair(user.ID)
	if tokenErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	role := user.Role
	if role == "" {
		role = models.RoleUser
	}

	ctx.JSON(iris.Map{
		"ID":           user.ID,
		"firstName":    user.FirstName,
		"lastName":     user.LastName,
		"email":        user.Email,
		"role":         role,
		"accessToken":  string(tokenPair.AccessToken),
		"refreshToken": string(tokenPair.RefreshToken),
	})
}

type RegisterUserInput struct {
	FirstName string `json:"firstName" validate:"required,max=256"`
	LastName  string `json:"lastName" validate:"required,max=256"`
	Email     string `json:"email" validate:"required,max=256,email"`
	Password  string `json:"password" validate:"required,min=8,max=256"`
}

type UpdateProfileInput struct {
	FirstName   *string `json:"firstName" validate:"omitempty,max=256"`
	LastName    *string `json:"lastName" validate:"omitempty,max=256"`
	PhoneNumber *string `json:"phoneNumber" validate:"omitempty,max=32"`
	AvatarURL   *string `json:"avatarURL" validate:"omitempty,max=1024"`
}

type LoginUserInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type GoogleUserInput struct {
	IDToken string `json:"idToken" validate:"required"`
}

type EmailRegisteredInput struct {
	Email string `json:"email" validate:"required"`
}

type ResetPasswordInput struct {
	Password string `json:"password" validate:"required,min=8,max=256"`
}

type AlterSavedPropertiesInput struct {
	PropertyID uint   `json:"propertyID" validate:"required"`
	Op         string `json:"op" validate:"required,oneof=add remove"`
}

type AllowsNotificationsInput struct {
	AllowsEmail *bool `json:"allowsEmail"`
	AllowsSMS   *bool `json:"allowsSMS"`
}
