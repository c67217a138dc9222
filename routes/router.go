package routes

import (
	"net/http"
	"reflect"
	"rentals-server/config"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/core/host"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func cors(ctx iris.Context) {
	ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
	ctx.Header("Vary", "Origin")
	ctx.Header("Access-Control-Allow-Credentials", "true")
	ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With, Stripe-Signature")
	ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
	if ctx.Method() == iris.MethodOptions {
		ctx.StatusCode(iris.StatusNoContent)
		return
	}
	ctx.Next()
}

func Health(ctx iris.Context) {
	if err := storage.Ping(ctx.Request().Context()); err != nil {
		ctx.StopWithJSON(http.StatusServiceUnavailable, iris.Map{"status": "unavailable", "database": err.Error()})
		return
	}
	ctx.JSON(iris.Map{"status": "ok"})
}

// NewApp wires every route of the API. config.App must be loaded.
func NewApp() *iris.Application {
	cfg := config.App

	app := iris.New()
	app.Validator = newValidator()
	app.Logger().SetLevel("warn")

	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(cors)
	app.UseGlobal(utils.MetricsMiddleware)

	resetTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(cfg.EmailTokenSecret))
	resetTokenVerifier.WithDefaultBlocklist()
	resetTokenVerifierMiddleware := resetTokenVerifier.Verify(func() interface{} {
		return new(utils.ForgotPasswordToken)
	})

	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(cfg.AccessTokenSecret))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	refreshTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(cfg.RefreshTokenSecret))
	refreshTokenVerifier.WithDefaultBlocklist()
	refreshTokenVerifierMiddleware := refreshTokenVerifier.Verify(func() interface{} {
		return new(jwt.Claims)
	})
	refreshTokenVerifier.Extractors = append(refreshTokenVerifier.Extractors, func(ctx iris.Context) string {
		var tokenInput utils.RefreshTokenInput
		if err := ctx.ReadJSON(&tokenInput); err != nil {
			return ""
		}
		return tokenInput.RefreshToken
	})

	authed := []iris.Handler{accessTokenVerifierMiddleware, utils.UserIDFromTokenMiddleware}
	authLimiter := utils.NewRateLimiter(30, 10)
	app.ConfigureHost(func(su *host.Supervisor) { su.RegisterOnShutdown(authLimiter.Stop) })

	// Registered before compression: the webhook needs the raw body and the
	// websocket upgrade needs the bare connection.
	app.Post("/api/payments/webhook", StripeWebhook)
	app.Get("/api/ws", append(authed, ServeWebsocket)...)

	app.Use(iris.Compression)

	app.Get("/health", Health)
	app.Get("/metrics", utils.MetricsHandler())
	app.Get("/sitemap.xml", Sitemap)
	app.Get("/api/calendar/{file:string}", ExportCalendar)
	app.Post("/api/refresh", refreshTokenVerifierMiddleware, utils.RefreshToken)

	user := app.Party("/api/user")
	{
		user.Post("/register", authLimiter.Handler, Register)
		user.Post("/login", authLimiter.Handler, Login)
		user.Post("/google", authLimiter.Handler, GoogleLoginOrSignUp)
		user.Post("/forgotpassword", authLimiter.Handler, ForgotPassword)
		user.Post("/resetpassword", resetTokenVerifierMiddleware, ResetPassword)
		user.Get("/{id:uint}", accessTokenVerifierMiddleware, utils.UserIDMiddleware, GetUser)
		user.Patch("/{id:uint}/profile", accessTokenVerifierMiddleware, utils.UserIDMiddleware, UpdateUserProfile)
		user.Patch("/{id:uint}/settings/notifications", accessTokenVerifierMiddleware, utils.UserIDMiddleware, AllowsNotifications)
	}

	users := app.Party("/api/users")
	{
		users.Get("/{id:uint}/saved", accessTokenVerifierMiddleware, utils.UserIDMiddleware, GetUserSavedProperties)
		users.Patch("/{id:uint}/saved", accessTokenVerifierMiddleware, utils.UserIDMiddleware, AlterUserSavedProperties)
	}

	auth := app.Party("/api/auth")
	{
		auth.Get("/google", GoogleRedirect)
		auth.Get("/google/callback", GoogleCallback)
	}

	properties := app.Party("/api/properties")
	{
		properties.Get("/", ListProperties)
		properties.Get("/{id:uint}", GetProperty)
		properties.Get("/{id:uint}/availability", GetPropertyAvailability)
		properties.Post("/{id:uint}/quote", QuoteProperty)
	}
	app.Get("/api/amenities", ListAmenities)

	conversations := app.Party("/api/conversations", authed...)
	{
		conversations.Post("/", CreateConversation)
		conversations.Get("/", ListConversations)
		conversations.Get("/{id:uint}", GetConversationByID)
	}

	messages := app.Party("/api/messages", authed...)
	{
		messages.Get("/", ListMessages)
		messages.Post("/", CreateMessage)
		messages.Post("/state", SetMessageState)
	}

	reservations := app.Party("/api/reservations", authed...)
	{
		reservations.Post("/", CreateReservation)
		reservations.Get("/mine", GetUserReservations)
		reservations.Get("/{id:uint}", GetReservation)
		reservations.Patch("/{id:uint}/status", UpdateReservationStatus)
		reservations.Delete("/{id:uint}", CancelReservation)
		reservations.Get("/{id:uint}/payment-plan", GetReservationPaymentPlan)
		reservations.Post("/{id:uint}/checkout", CheckoutReservation)
	}
	app.Get("/api/host/reservations", append(authed, GetHostReservations)...)
	app.Post("/api/installments/{id:uint}/checkout", append(authed, CheckoutInstallment)...)

	notifications := app.Party("/api/notifications", authed...)
	{
		notifications.Get("/", ListNotifications)
		notifications.Post("/read-all", MarkAllNotificationsRead)
		notifications.Post("/{id:uint}/read", MarkNotificationRead)
	}

	admin := app.Party("/api/admin", accessTokenVerifierMiddleware, utils.AdminOnlyMiddleware)
	{
		admin.Get("/users", AdminListUsers)
		admin.Get("/users/{id:uint}", AdminGetUser)
		admin.Patch("/users/{id:uint}/role", utils.SuperAdminOnlyMiddleware, AdminChangeUserRole)

		admin.Get("/properties", AdminListProperties)
		admin.Post("/properties", AdminCreateProperty)
		admin.Get("/properties/{id:uint}", AdminGetProperty)
		admin.Patch("/properties/{id:uint}", AdminUpdateProperty)
		admin.Delete("/properties/{id:uint}", AdminDeleteProperty)
		admin.Patch("/properties/{id:uint}/status", AdminUpdatePropertyStatus)
		admin.Post("/properties/{id:uint}/flag", AdminFlagProperty)

		admin.Post("/properties/{id:uint}/images", AdminUploadPropertyImage)
		admin.Put("/properties/{id:uint}/images/order", AdminReorderPropertyImages)
		admin.Delete("/properties/{id:uint}/images/{imageID:uint}", AdminDeletePropertyImage)

		admin.Get("/amenities", AdminListAmenities)
		admin.Post("/amenities", AdminCreateAmenity)
		admin.Patch("/amenities/{id:uint}", AdminUpdateAmenity)
		admin.Delete("/amenities/{id:uint}", AdminDeleteAmenity)
		admin.Put("/properties/{id:uint}/amenities", AdminSetPropertyAmenities)

		admin.Get("/properties/{id:uint}/blocks", AdminListPropertyBlocks)
		admin.Post("/properties/{id:uint}/blocks", AdminCreatePropertyBlock)
		admin.Delete("/properties/{id:uint}/blocks/{blockID:uint}", AdminDeletePropertyBlock)
		admin.Put("/properties/{id:uint}/calendar", AdminSetPropertyCalendar)
		admin.Post("/properties/{id:uint}/calendar/sync", AdminSyncPropertyCalendar)

		admin.Get("/reservations", AdminListReservations)
		admin.Get("/reservations/{id:uint}", AdminGetReservation)
		admin.Post("/reservations/{id:uint}/cancel", AdminCancelReservation)
		admin.Post("/reservations/{id:uint}/payment-plan", AdminCreatePaymentPlan)
		admin.Delete("/payment-plans/{id:uint}", AdminCancelPaymentPlan)
		admin.Post("/installments/{id:uint}/mark-paid", AdminMarkInstallmentPaid)
		admin.Get("/payments", AdminListPayments)

		admin.Get("/stats", AdminStats)
		admin.Get("/activity", AdminActivity)
	}

	return app
}
