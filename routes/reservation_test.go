package routes

import (
	"fmt"
	"net/http"
	"rentals-server/models"
	"rentals-server/services"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationLifecycle(t *testing.T) {
	s := newTestServer(t)
	host, hostToken := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)
	_, otherToken := s.user("other@example.com", models.RoleUser)
	p := s.property(host.ID)

	req := CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(30), CheckOut: futureDay(34), NumGuests: 2}
	rec := s.do(http.MethodPost, "/api/reservations", guestToken, req)
	assertStatus(t, http.StatusCreated, rec)
	resID := uint(body(rec).Get("ID").Uint())
	assert.Equal(t, models.ReservationPending, body(rec).Get("status").String())
	assert.Equal(t, int64(4*10000+2000), body(rec).Get("totalPrice").Int())

	// A competing request is accepted while the first is still pending.
	rec = s.do(http.MethodPost, "/api/reservations", otherToken, req)
	assertStatus(t, http.StatusCreated, rec)
	competingID := uint(body(rec).Get("ID").Uint())

	path := fmt.Sprintf("/api/reservations/%d", resID)
	rec = s.do(http.MethodGet, path, otherToken, nil)
	assertStatus(t, http.StatusForbidden, rec)

	// Only the host decides.
	rec = s.do(http.MethodPatch, path+"/status", guestToken, UpdateReservationStatusInput{Status: models.ReservationConfirmed})
	assertStatus(t, http.StatusForbidden, rec)
	rec = s.do(http.MethodPatch, path+"/status", hostToken, UpdateReservationStatusInput{Status: models.ReservationConfirmed})
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, models.ReservationConfirmed, body(rec).Get("status").String())

	rec = s.do(http.MethodPatch, fmt.Sprintf("/api/reservations/%d/status", competingID), hostToken,
		UpdateReservationStatusInput{Status: models.ReservationConfirmed})
	assertStatus(t, http.StatusConflict, rec)

	// Confirmed nights now block new requests.
	rec = s.do(http.MethodPost, "/api/reservations", otherToken, req)
	assertStatus(t, http.StatusConflict, rec)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/properties/%d/availability?from=%s&to=%s", p.ID, futureDay(29), futureDay(36)), "", nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Len(t, body(rec).Get("unavailable").Array(), 4)

	rec = s.do(http.MethodGet, "/api/host/reservations", hostToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(2), body(rec).Get("meta.total").Int())

	rec = s.do(http.MethodGet, "/api/reservations/mine", guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(1), body(rec).Get("meta.total").Int())

	rec = s.do(http.MethodDelete, path, guestToken, CancelReservationInput{Reason: "plans changed"})
	assertStatus(t, http.StatusOK, rec)

	rec = s.do(http.MethodDelete, path, guestToken, CancelReservationInput{})
	assertStatus(t, http.StatusConflict, rec)
}

func TestReservationValidation(t *testing.T) {
	s := newTestServer(t)
	host, _ := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)
	p := s.property(host.ID)

	rec := s.do(http.MethodPost, "/api/reservations", "", CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(3), CheckOut: futureDay(5), NumGuests: 1})
	assertStatus(t, http.StatusUnauthorized, rec)

	rec = s.do(http.MethodPost, "/api/reservations", guestToken, CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(5), CheckOut: futureDay(3), NumGuests: 1})
	assertStatus(t, http.StatusBadRequest, rec)

	rec = s.do(http.MethodPost, "/api/reservations", guestToken, CreateReservationInput{PropertyID: p.ID, CheckIn: "next week", CheckOut: futureDay(3), NumGuests: 1})
	assertStatus(t, http.StatusBadRequest, rec)

	rec = s.do(http.MethodPost, "/api/reservations", guestToken, CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(3), CheckOut: futureDay(5), NumGuests: 9})
	assertStatus(t, http.StatusUnprocessableEntity, rec)

	rec = s.do(http.MethodPost, "/api/reservations", guestToken, CreateReservationInput{PropertyID: 9999, CheckIn: futureDay(3), CheckOut: futureDay(5), NumGuests: 1})
	assertStatus(t, http.StatusNotFound, rec)
}

func TestCheckoutAndWebhook(t *testing.T) {
	s := newTestServer(t)
	host, _ := s.user("host@example.com", models.RoleHost)
	guest, guestToken := s.user("guest@example.com", models.RoleUser)
	_, adminToken := s.user("ops@example.com", models.RoleAdmin)
	p := s.property(host.ID)

	rec := s.do(http.MethodPost, "/api/reservations", guestToken,
		CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(60), CheckOut: futureDay(63), NumGuests: 2})
	assertStatus(t, http.StatusCreated, rec)
	resID := uint(body(rec).Get("ID").Uint())
	total := body(rec).Get("totalPrice").Int()

	checkoutPath := fmt.Sprintf("/api/reservations/%d/checkout", resID)
	rec = s.do(http.MethodPost, checkoutPath, guestToken, nil)
	assertStatus(t, http.StatusServiceUnavailable, rec)

	gw := &fakeGateway{}
	services.Gateway = gw

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/admin/reservations/%d/payment-plan", resID), adminToken, map[string]interface{}{
		"count": 2, "firstDueDate": futureDay(1), "intervalDays": 14,
	})
	assertStatus(t, http.StatusCreated, rec)
	first := body(rec).Get("data.installments.0")
	require.True(t, first.Exists())
	assert.Equal(t, total, first.Get("amount").Int()+body(rec).Get("data.installments.1.amount").Int())

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/admin/reservations/%d/payment-plan", resID), adminToken, map[string]interface{}{"count": 2, "firstDueDate": futureDay(1)})
	assertStatus(t, http.StatusConflict, rec)

	_, strangerToken := s.user("stranger@example.com", models.RoleUser)
	rec = s.do(http.MethodPost, checkoutPath, strangerToken, nil)
	assertStatus(t, http.StatusForbidden, rec)

	rec = s.do(http.MethodPost, checkoutPath, guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Contains(t, body(rec).Get("url").String(), "https://checkout.stripe.test/")
	requests := gw.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, uint(first.Get("ID").Uint()), requests[0].InstallmentID)
	assert.Equal(t, guest.Email, requests[0].CustomerEmail)

	event := fmt.Sprintf(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","amount_total":%d,"metadata":{"installment_id":"%d"}}}}`,
		first.Get("amount").Int(), first.Get("ID").Uint())

	req := httptestRequestBody(http.MethodPost, "/api/payments/webhook", event)
	req.Header.Set("Stripe-Signature", "forged")
	rec = s.serve(req)
	assertStatus(t, http.StatusBadRequest, rec)

	req = httptestRequestBody(http.MethodPost, "/api/payments/webhook", event)
	req.Header.Set("Stripe-Signature", "valid")
	rec = s.serve(req)
	assertStatus(t, http.StatusOK, rec)
	assert.False(t, body(rec).Get("duplicate").Bool())

	req = httptestRequestBody(http.MethodPost, "/api/payments/webhook", event)
	req.Header.Set("Stripe-Signature", "valid")
	rec = s.serve(req)
	assertStatus(t, http.StatusOK, rec)
	assert.True(t, body(rec).Get("duplicate").Bool())

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/reservations/%d/payment-plan", resID), guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, first.Get("amount").Int(), body(rec).Get("paidAmount").Int())
	assert.Equal(t, total-first.Get("amount").Int(), body(rec).Get("balance").Int())
	assert.Equal(t, models.PaymentPartiallyPaid, body(rec).Get("paymentStatus").String())

	// A plan with a paid installment cannot be cancelled.
	planID := body(rec).Get("plan.ID").Uint()
	rec = s.do(http.MethodDelete, fmt.Sprintf("/api/admin/payment-plans/%d", planID), adminToken, nil)
	assertStatus(t, http.StatusConflict, rec)

	second := body(s.do(http.MethodGet, fmt.Sprintf("/api/reservations/%d/payment-plan", resID), guestToken, nil)).Get("plan.installments.1")
	rec = s.do(http.MethodPost, fmt.Sprintf("/api/admin/installments/%d/mark-paid", second.Get("ID").Uint()), adminToken, nil)
	assertStatus(t, http.StatusOK, rec)

	rec = s.do(http.MethodPost, checkoutPath, guestToken, nil)
	assertStatus(t, http.StatusConflict, rec)

	var r models.Reservation
	require.NoError(t, s.db.First(&r, resID).Error)
	assert.Equal(t, models.PaymentPaid, r.PaymentStatus)

	rec = s.do(http.MethodGet, "/api/admin/payments?status=succeeded", adminToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(2), body(rec).Get("meta.total").Int())
}

func TestCheckoutWithoutPlanPaysInFull(t *testing.T) {
	s := newTestServer(t)
	host, _ := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)
	p := s.property(host.ID)
	gw := &fakeGateway{}
	services.Gateway = gw

	rec := s.do(http.MethodPost, "/api/reservations", guestToken,
		CreateReservationInput{PropertyID: p.ID, CheckIn: futureDay(10), CheckOut: futureDay(12), NumGuests: 1})
	assertStatus(t, http.StatusCreated, rec)
	resID := uint(body(rec).Get("ID").Uint())
	total := body(rec).Get("totalPrice").Int()

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/reservations/%d/checkout", resID), guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	require.Len(t, gw.Requests(), 1)
	assert.Equal(t, total, gw.Requests()[0].Amount)
}
