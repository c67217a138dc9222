package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"rentals-server/config"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	t      *testing.T
	app    *iris.Application
	db     *gorm.DB
	images *fakeImages
}

func newTestServer(t *testing.T) *testServer {
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

	prevDB, prevCache, prevCfg, prevImages := storage.DB, storage.Cache, config.App, storage.Images
	prevMail, prevSMS, prevGateway, prevGoogle := services.Mail, services.SMS, services.Gateway, services.Google
	storage.DB = db
	storage.Cache = storage.NewMemoryStore()
	images := &fakeImages{}
	storage.Images = images
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
	services.Mail = &fakeMailer{}
	services.SMS = &fakeSMS{}
	services.Gateway = nil
	services.Google = nil

	t.Cleanup(func() {
		services.WaitForDeliveries()
		storage.DB, storage.Cache, config.App, storage.Images = prevDB, prevCache, prevCfg, prevImages
		services.Mail, services.SMS, services.Gateway, services.Google = prevMail, prevSMS, prevGateway, prevGoogle
		sqlDB.Close()
	})

	app := NewApp()
	require.NoError(t, app.Build())
	return &testServer{t: t, app: app, db: db, images: images}
}

// do sends a request and returns the recorder. body may be nil, a string
// or any value that marshals to JSON.
func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.serve(req)
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	return rec
}

func httptestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func httptestRequestBody(method, path, payload string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := services.ParseDay(s)
	require.NoError(t, err)
	return d
}

func uintStr(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (s *testServer) user(email, role string) (*models.User, string) {
	s.t.Helper()
	u := &models.User{FirstName: strings.Split(email, "@")[0], LastName: "Test", Email: email, Role: role}
	require.NoError(s.t, s.db.Create(u).Error)
	pair, err := utils.CreateTokenPair(u.ID)
	require.NoError(s.t, err)
	return u, string(pair.AccessToken)
}

func (s *testServer) property(hostID uint) *models.Property {
	s.t.Helper()
	p := &models.Property{
		HostID:             hostID,
		Title:              "Harbour Loft",
		City:               "Lisbon",
		Capacity:           4,
		NightlyPrice:       10000,
		CleaningFee:        2000,
		Currency:           "usd",
		CancellationPolicy: "moderate",
		MinNights:          1,
		IsActive:           true,
		Status:             models.PropertyStatusApproved,
		CalendarToken:      fmt.Sprintf("cal-%d-%d", hostID, time.Now().UnixNano()),
	}
	require.NoError(s.t, s.db.Create(p).Error)
	return p
}

func body(rec *httptest.ResponseRecorder) gjson.Result {
	return gjson.ParseBytes(rec.Body.Bytes())
}

// futureDay returns a YYYY-MM-DD date n days from today.
func futureDay(n int) string {
	return services.NormalizeDate(time.Now().UTC()).AddDate(0, 0, n).Format(services.DayLayout)
}

type fakeImages struct {
	mu        sync.Mutex
	uploadErr error
	deleteErr error
	uploaded  []string
	deleted   []string
}

func (f *fakeImages) Upload(_ context.Context, _, publicID string) (storage.UploadedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return storage.UploadedImage{}, f.uploadErr
	}
	f.uploaded = append(f.uploaded, publicID)
	return storage.UploadedImage{URL: "https://img.test/" + publicID + ".jpg", PublicID: publicID}, nil
}

func (f *fakeImages) Delete(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, publicID)
	return f.deleteErr
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []services.MailMessage
}

func (f *fakeMailer) Send(_ context.Context, msg services.MailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) Sent() []services.MailMessage {
	services.WaitForDeliveries()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.MailMessage(nil), f.sent...)
}

type fakeSMS struct{}

func (fakeSMS) Send(context.Context, string, string) error { return nil }

type fakeGateway struct {
	mu       sync.Mutex
	requests []services.CheckoutRequest
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req services.CheckoutRequest) (*services.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(f.requests))
	return &services.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeGateway) ParseWebhook(payload []byte, signature string) (*services.GatewayEvent, error) {
	if signature != "valid" {
		return nil, services.ErrInvalidSignature
	}
	return &services.GatewayEvent{
		ID:     gjson.GetBytes(payload, "id").String(),
		Type:   gjson.GetBytes(payload, "type").String(),
		Object: []byte(gjson.GetBytes(payload, "data.object").Raw),
	}, nil
}

func (f *fakeGateway) Requests() []services.CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.CheckoutRequest(nil), f.requests...)
}

type fakeGoogle struct {
	identity *services.GoogleIdentity
}

func (f *fakeGoogle) VerifyIDToken(_ context.Context, raw string) (*services.GoogleIdentity, error) {
	if raw != "good-token" {
		return nil, services.ErrInvalidIDToken
	}
	return f.identity, nil
}

func (f *fakeGoogle) AuthCodeURL(state string) string {
	return "https://accounts.google.test/auth?state=" + state
}

func (f *fakeGoogle) Exchange(_ context.Context, code string) (*services.GoogleIdentity, error) {
	if code != "good-code" {
		return nil, services.ErrInvalidIDToken
	}
	return f.identity, nil
}

func assertStatus(t *testing.T, want int, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equalf(t, want, rec.Code, "%s", rec.Body.String())
}
