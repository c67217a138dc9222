package services

import (
	"context"
	"fmt"
	"rentals-server/models"
	"rentals-server/storage"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type planFixture struct {
	guest *models.User
	host  *models.User
	res   *models.Reservation
	plan  *models.PaymentPlan
}

func newPlanFixture(t *testing.T, count int) planFixture {
	t.Helper()
	db := storage.DB
	host := createUser(t, db, "host@example.com", models.RoleHost)
	guest := createUser(t, db, "guest@example.com", models.RoleUser)
	createUser(t, db, "ops@example.com", models.RoleAdmin)
	p := createProperty(t, db, host.ID)
	r := createReservation(t, db, p, guest.ID, day("2030-06-01"), 4, models.ReservationConfirmed)
	plan, err := CreatePaymentPlan(r.ID, 0, PlanInput{Count: count, FirstDueDate: day("2030-01-01")})
	require.NoError(t, err)
	return planFixture{guest: guest, host: host, res: r, plan: plan}
}

func sessionCompleted(eventID string, inst models.Installment, intent string) []byte {
	return eventJSON(eventID, EventCheckoutCompleted, fmt.Sprintf(
		`{"id":"cs_%d","payment_status":"paid","payment_intent":%q,"amount_total":%d,"metadata":{"installment_id":"%d"}}`,
		inst.ID, intent, inst.Amount, inst.ID))
}

func TestWebhookSettlesInstallmentOnce(t *testing.T) {
	db := setupDB(t)
	mail, _ := installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 2)
	first := f.plan.Installments[0]
	ctx := context.Background()

	res, err := HandleWebhook(ctx, sessionCompleted("evt_1", first, "pi_1"), "valid")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = HandleWebhook(ctx, sessionCompleted("evt_1", first, "pi_1"), "valid")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// A different event for the same payment must not double count.
	_, err = HandleWebhook(ctx, eventJSON("evt_2", EventIntentSucceeded, fmt.Sprintf(
		`{"id":"pi_1","amount_received":%d,"metadata":{"installment_id":"%d"}}`, first.Amount, first.ID)), "valid")
	require.NoError(t, err)

	var payments int64
	db.Model(&models.Payment{}).Where("installment_id = ?", first.ID).Count(&payments)
	assert.Equal(t, int64(1), payments)

	var inst models.Installment
	require.NoError(t, db.First(&inst, first.ID).Error)
	assert.Equal(t, models.InstallmentPaid, inst.Status)
	assert.Equal(t, "pi_1", inst.StripePaymentIntentID)
	assert.NotNil(t, inst.PaidAt)

	var r models.Reservation
	require.NoError(t, db.First(&r, f.res.ID).Error)
	assert.Equal(t, models.PaymentPartiallyPaid, r.PaymentStatus)

	var events int64
	db.Model(&models.WebhookEvent{}).Count(&events)
	assert.Equal(t, int64(2), events)

	WaitForDeliveries()
	assert.NotEmpty(t, mail.Sent())

	var adminNotes int64
	db.Model(&models.Notification{}).Joins("JOIN users ON users.id = notifications.user_id").
		Where("users.role = ? AND notifications.type = ?", models.RoleAdmin, NoticeInstallmentPaid).Count(&adminNotes)
	assert.Equal(t, int64(1), adminNotes)
}

func TestWebhookCompletesPlan(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 2)
	ctx := context.Background()

	for i, inst := range f.plan.Installments {
		_, err := HandleWebhook(ctx, sessionCompleted(fmt.Sprintf("evt_%d", i), inst, fmt.Sprintf("pi_%d", i)), "valid")
		require.NoError(t, err)
	}

	var plan models.PaymentPlan
	require.NoError(t, db.First(&plan, f.plan.ID).Error)
	assert.Equal(t, models.PlanCompleted, plan.Status)

	var r models.Reservation
	require.NoError(t, db.First(&r, f.res.ID).Error)
	assert.Equal(t, models.PaymentPaid, r.PaymentStatus)

	paid, err := PaidAmount(db, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TotalPrice, paid)
}

func TestWebhookUnpaidSessionIsIgnored(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 1)
	inst := f.plan.Installments[0]

	res, err := HandleWebhook(context.Background(), eventJSON("evt_async", EventCheckoutCompleted, fmt.Sprintf(
		`{"id":"cs_1","payment_status":"unpaid","metadata":{"installment_id":"%d"}}`, inst.ID)), "valid")
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	var stored models.Installment
	require.NoError(t, db.First(&stored, inst.ID).Error)
	assert.Equal(t, models.InstallmentPending, stored.Status)
}

func TestWebhookPaymentFailed(t *testing.T) {
	db := setupDB(t)
	_, sms := installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 1)
	require.NoError(t, db.Model(f.guest).Updates(map[string]interface{}{"phone_number": "555 010 2030", "allows_sms": true}).Error)
	inst := f.plan.Installments[0]

	_, err := HandleWebhook(context.Background(), eventJSON("evt_fail", EventIntentFailed, fmt.Sprintf(
		`{"id":"pi_f","amount":%d,"last_payment_error":{"message":"Your card was declined."},"metadata":{"installment_id":"%d"}}`,
		inst.Amount, inst.ID)), "valid")
	require.NoError(t, err)

	var stored models.Installment
	require.NoError(t, db.First(&stored, inst.ID).Error)
	assert.Equal(t, models.InstallmentFailed, stored.Status)
	assert.Equal(t, "Your card was declined.", stored.FailureReason)

	var failed models.Payment
	require.NoError(t, db.Where("installment_id = ? AND status = ?", inst.ID, models.PaymentFailed).First(&failed).Error)
	assert.Equal(t, "pi_f", failed.StripePaymentIntentID)

	WaitForDeliveries()
	sent := sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550102030", sent[0].To)

	// A failed installment can still be settled afterwards.
	_, err = HandleWebhook(context.Background(), sessionCompleted("evt_retry", inst, "pi_ok"), "valid")
	require.NoError(t, err)
	require.NoError(t, db.First(&stored, inst.ID).Error)
	assert.Equal(t, models.InstallmentPaid, stored.Status)
	assert.Empty(t, stored.FailureReason)
}

func TestWebhookSessionExpiredClearsSession(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 1)
	inst := f.plan.Installments[0]

	_, err := StartCheckout(context.Background(), inst.ID, f.guest.ID)
	require.NoError(t, err)

	_, err = HandleWebhook(context.Background(), eventJSON("evt_exp", EventCheckoutExpired, fmt.Sprintf(
		`{"id":"cs_test_1","metadata":{"installment_id":"%d"}}`, inst.ID)), "valid")
	require.NoError(t, err)

	var stored models.Installment
	require.NoError(t, db.First(&stored, inst.ID).Error)
	assert.Empty(t, stored.StripeSessionID)
	assert.Equal(t, models.InstallmentPending, stored.Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	setupDB(t)
	installGateway(t)

	_, err := HandleWebhook(context.Background(), eventJSON("evt_x", EventIntentSucceeded, `{}`), "forged")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookUnknownInstallmentAcknowledged(t *testing.T) {
	db := setupDB(t)
	installGateway(t)

	res, err := HandleWebhook(context.Background(), eventJSON("evt_unknown", EventIntentSucceeded,
		`{"id":"pi_404","amount_received":100,"metadata":{"installment_id":"9999"}}`), "valid")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	var events int64
	db.Model(&models.WebhookEvent{}).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestWebhookFailureReleasesLock(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	installGateway(t)
	f := newPlanFixture(t, 1)
	inst := f.plan.Installments[0]

	require.NoError(t, db.Migrator().DropTable(&models.WebhookEvent{}))
	_, err := ProcessEvent(context.Background(), &GatewayEvent{
		ID:     "evt_boom",
		Type:   EventIntentSucceeded,
		Object: []byte(fmt.Sprintf(`{"id":"pi_b","metadata":{"installment_id":"%d"}}`, inst.ID)),
	})
	require.Error(t, err)

	_, err = storage.Cache.Get(context.Background(), webhookLockKey("evt_boom"))
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	var stored models.Installment
	require.NoError(t, db.First(&stored, inst.ID).Error)
	assert.Equal(t, models.InstallmentPending, stored.Status)
}

func TestMarkInstallmentPaidManual(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	f := newPlanFixture(t, 1)
	inst := f.plan.Installments[0]

	paid, err := MarkInstallmentPaid(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentPaid, paid.Status)
	assert.Contains(t, paid.StripePaymentIntentID, "manual:")

	_, err = MarkInstallmentPaid(inst.ID)
	assert.ErrorIs(t, err, ErrInstallmentNotPayable)

	var r models.Reservation
	require.NoError(t, db.First(&r, f.res.ID).Error)
	assert.Equal(t, models.PaymentPaid, r.PaymentStatus)
}
