package services

import (
	"context"
	"fmt"
	"rentals-server/config"
	"rentals-server/models"
	"rentals-server/storage"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.Migrate(db))

	prevDB, prevCache, prevCfg := storage.DB, storage.Cache, config.App
	storage.DB = db
	storage.Cache = storage.NewMemoryStore()
	config.App = &config.Config{
		FrontendURL:           "http://frontend.test",
		PublicURL:             "http://api.test",
		Currency:              "usd",
		PhoneCountryCode:      "1",
		ReminderLeadDays:      3,
		PendingReservationTTL: 48 * time.Hour,
		AccessTokenSecret:     "access",
		RefreshTokenSecret:    "refresh",
		EmailTokenSecret:      "email",
	}

	t.Cleanup(func() {
		WaitForDeliveries()
		storage.DB, storage.Cache, config.App = prevDB, prevCache, prevCfg
		sqlDB.Close()
	})
	return db
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []MailMessage
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg MailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeMailer) Sent() []MailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MailMessage(nil), f.sent...)
}

type sentSMS struct{ To, Body string }

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentSMS
}

func (f *fakeSMS) Send(_ context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSMS{to, body})
	return nil
}

func (f *fakeSMS) Sent() []sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSMS(nil), f.sent...)
}

func installFakes(t *testing.T) (*fakeMailer, *fakeSMS) {
	t.Helper()
	mail, sms := &fakeMailer{}, &fakeSMS{}
	prevMail, prevSMS := Mail, SMS
	Mail, SMS = mail, sms
	t.Cleanup(func() {
		WaitForDeliveries()
		Mail, SMS = prevMail, prevSMS
	})
	return mail, sms
}

func boolPtr(b bool) *bool { return &b }

func createUser(t *testing.T, db *gorm.DB, email, role string) *models.User {
	t.Helper()
	u := &models.User{FirstName: strings.Split(email, "@")[0], LastName: "Test", Email: email, Role: role}
	require.NoError(t, db.Create(u).Error)
	return u
}

func createProperty(t *testing.T, db *gorm.DB, hostID uint) *models.Property {
	t.Helper()
	p := &models.Property{
		HostID:             hostID,
		Title:              "Harbour Loft",
		City:               "Lisbon",
		Capacity:           4,
		NightlyPrice:       10000,
		CleaningFee:        2000,
		Currency:           "usd",
		CancellationPolicy: "moderate",
		IsActive:           true,
		Status:             models.PropertyStatusApproved,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func createReservation(t *testing.T, db *gorm.DB, p *models.Property, guestID uint, checkIn time.Time, nights int, status string) *models.Reservation {
	t.Helper()
	r := &models.Reservation{
		PropertyID:    p.ID,
		GuestID:       guestID,
		CheckIn:       checkIn,
		CheckOut:      checkIn.AddDate(0, 0, nights),
		Nights:        nights,
		NumGuests:     2,
		TotalPrice:    int64(nights)*p.NightlyPrice + p.CleaningFee,
		Currency:      p.Currency,
		Status:        status,
		PaymentStatus: models.PaymentUnpaid,
		ExpiresAt:     time.Now().UTC().Add(48 * time.Hour),
	}
	require.NoError(t, db.Create(r).Error)
	return r
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []CheckoutRequest
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(f.requests))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

// ParseWebhook accepts the signature "valid" and reads the event envelope.
func (f *fakeGateway) ParseWebhook(payload []byte, signature string) (*GatewayEvent, error) {
	if signature != "valid" {
		return nil, ErrInvalidSignature
	}
	return &GatewayEvent{
		ID:     gjson.GetBytes(payload, "id").String(),
		Type:   gjson.GetBytes(payload, "type").String(),
		Object: []byte(gjson.GetBytes(payload, "data.object").Raw),
	}, nil
}

func (f *fakeGateway) Requests() []CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutRequest(nil), f.requests...)
}

func installGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{}
	prev := Gateway
	Gateway = gw
	t.Cleanup(func() { Gateway = prev })
	return gw
}

func eventJSON(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":%s}}`, id, typ, object))
}
