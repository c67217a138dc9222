package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every setting read from the environment.
type Config struct {
	AppEnv   string `env:"APP_ENV,default=development"`
	Port     string `env:"PORT,default=4000"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	DatabaseURL   string `env:"DB_CONNECTION_STRING,required"`
	RedisURL      string `env:"REDIS_URL"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	AccessTokenSecret  string `env:"ACCESS_TOKEN_SECRET,required"`
	RefreshTokenSecret string `env:"REFRESH_TOKEN_SECRET,required"`
	EmailTokenSecret   string `env:"EMAIL_TOKEN_SECRET"`

	FrontendURL string `env:"FRONTEND_URL,default=http://localhost:3000"`
	PublicURL   string `env:"PUBLIC_URL,default=http://localhost:4000"`

	// TrustProxy honours X-Forwarded-For. Only enable behind a proxy that
	// overwrites the header.
	TrustProxy bool `env:"TRUST_PROXY,default=false"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	Currency            string `env:"DEFAULT_CURRENCY,default=usd"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SenderEmail  string `env:"SENDER_EMAIL,default=no-reply@localhost"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	PhoneCountryCode string `env:"DEFAULT_PHONE_COUNTRY_CODE,default=1"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	CloudinaryCloudName string `env:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `env:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `env:"CLOUDINARY_API_SECRET"`
	CloudinaryFolder    string `env:"CLOUDINARY_FOLDER"`

	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED,default=true"`
	ReminderLeadDays      int           `env:"REMINDER_LEAD_DAYS,default=3"`
	PendingReservationTTL time.Duration `env:"PENDING_RESERVATION_TTL,default=48h"`
}

// App is the configuration loaded at startup.
var App *Config

// Load reads .env outside production and decodes the environment into App.
func Load() (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyFallbacks()

	App = &cfg
	return &cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.EmailTokenSecret == "" {
		c.EmailTokenSecret = c.AccessTokenSecret + ":password-reset"
	}
	if c.ReminderLeadDays <= 0 {
		c.ReminderLeadDays = 3
	}
	if c.PendingReservationTTL <= 0 {
		c.PendingReservationTTL = 48 * time.Hour
	}
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func (c *Config) StripeEnabled() bool { return c.StripeSecretKey != "" }

func (c *Config) SMTPEnabled() bool { return c.SMTPHost != "" }

func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" }

func (c *Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}
