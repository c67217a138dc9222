package services

import (
	"context"
	"errors"
	"fmt"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventIntentSucceeded   = "payment_intent.succeeded"
	EventIntentFailed      = "payment_intent.payment_failed"

	webhookLockTTL = 10 * time.Minute
)

// WebhookResult tells the HTTP layer how the event was handled.
type WebhookResult struct {
	EventID   string
	Type      string
	Duplicate bool
	Ignored   bool
}

// SettleInput identifies the processor payment that paid an installment.
type SettleInput struct {
	PaymentIntentID string
	SessionID       string
	Amount          int64
}

// followUp runs after the transaction commits.
type followUp func()

func webhookLockKey(eventID string) string { return "stripe:event:" + eventID }

// HandleWebhook verifies and applies one processor event exactly once. On a
// processing error the dedupe lock is released so a retry can succeed.
func HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if Gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	ev, err := Gateway.ParseWebhook(payload, signature)
	if err != nil {
		utils.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		return nil, err
	}
	return ProcessEvent(ctx, ev)
}

// ProcessEvent applies an already verified event.
func ProcessEvent(ctx context.Context, ev *GatewayEvent) (*WebhookResult, error) {
	result := &WebhookResult{EventID: ev.ID, Type: ev.Type}
	log := logging.Log.WithFields(logrus.Fields{"event": ev.ID, "type": ev.Type})

	lockKey := webhookLockKey(ev.ID)
	acquired, err := storage.Cache.SetNX(ctx, lockKey, "1", webhookLockTTL)
	if err != nil {
		// The unique WebhookEvent row still guards against double processing.
		log.WithError(err).Warn("webhook lock unavailable")
		acquired = true
	}
	if !acquired {
		result.Duplicate = true
		utils.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		return result, nil
	}

	var seen int64
	if err := storage.DB.Model(&models.WebhookEvent{}).Where("stripe_event_id = ?", ev.ID).Count(&seen).Error; err != nil {
		storage.Cache.Del(ctx, lockKey)
		return nil, err
	}
	if seen > 0 {
		result.Duplicate = true
		utils.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		return result, nil
	}

	var after []followUp
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		after, result.Ignored, applyErr = applyEvent(tx, ev, log)
		if applyErr != nil {
			return applyErr
		}
		return tx.Create(&models.WebhookEvent{
			StripeEventID: ev.ID,
			Type:          ev.Type,
			ProcessedAt:   time.Now().UTC(),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		result.Duplicate = true
		utils.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		return result, nil
	}
	if err != nil {
		storage.Cache.Del(ctx, lockKey)
		utils.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
		log.WithError(err).Error("webhook processing failed")
		return nil, err
	}

	for _, f := range after {
		f()
	}
	label := "processed"
	if result.Ignored {
		label = "ignored"
	}
	utils.WebhookEvents.WithLabelValues(ev.Type, label).Inc()
	return result, nil
}

func applyEvent(tx *gorm.DB, ev *GatewayEvent, log *logrus.Entry) ([]followUp, bool, error) {
	obj := ev.Object
	installmentID := uint(gjson.GetBytes(obj, "metadata.installment_id").Uint())

	switch ev.Type {
	case EventCheckoutCompleted:
		if gjson.GetBytes(obj, "payment_status").String() != "paid" {
			log.Info("checkout completed without payment, waiting for payment intent")
			return nil, true, nil
		}
		f, err := settleInstallment(tx, installmentID, SettleInput{
			PaymentIntentID: idOf(gjson.GetBytes(obj, "payment_intent")),
			SessionID:       gjson.GetBytes(obj, "id").String(),
			Amount:          gjson.GetBytes(obj, "amount_total").Int(),
		}, log)
		return f, false, err

	case EventCheckoutExpired:
		sessionID := gjson.GetBytes(obj, "id").String()
		err := tx.Model(&models.Installment{}).
			Where("id = ? AND stripe_session_id = ? AND status <> ?", installmentID, sessionID, models.InstallmentPaid).
			Update("stripe_session_id", "").Error
		return nil, false, err

	case EventIntentSucceeded:
		intentID := gjson.GetBytes(obj, "id").String()
		if installmentID == 0 {
			installmentID = installmentByIntent(tx, intentID)
		}
		f, err := settleInstallment(tx, installmentID, SettleInput{
			PaymentIntentID: intentID,
			Amount:          gjson.GetBytes(obj, "amount_received").Int(),
		}, log)
		return f, false, err

	case EventIntentFailed:
		intentID := gjson.GetBytes(obj, "id").String()
		if installmentID == 0 {
			installmentID = installmentByIntent(tx, intentID)
		}
		reason := gjson.GetBytes(obj, "last_payment_error.message").String()
		if reason == "" {
			reason = "Payment failed"
		}
		f, err := failInstallment(tx, installmentID, intentID, reason, gjson.GetBytes(obj, "amount").Int(), log)
		return f, false, err
	}

	return nil, true, nil
}

// idOf accepts an expandable field that is either an id string or an object.
func idOf(v gjson.Result) string {
	if v.IsObject() {
		return v.Get("id").String()
	}
	return v.String()
}

func installmentByIntent(tx *gorm.DB, intentID string) uint {
	if intentID == "" {
		return 0
	}
	var inst models.Installment
	if err := tx.Select("id").Where("stripe_payment_intent_id = ?", intentID).First(&inst).Error; err != nil {
		return 0
	}
	return inst.ID
}

func loadInstallmentForUpdate(tx *gorm.DB, id uint) (*models.Installment, error) {
	var inst models.Installment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("PaymentPlan.Reservation").
		First(&inst, id).Error
	if err != nil {
		return nil, err
	}
	if inst.PaymentPlan == nil || inst.PaymentPlan.Reservation == nil {
		return nil, fmt.Errorf("installment %d has no reservation", id)
	}
	return &inst, nil
}

// settleInstallment marks the installment paid, records the payment and
// recomputes plan and reservation state. Settling a paid installment is a no-op.
func settleInstallment(tx *gorm.DB, installmentID uint, in SettleInput, log *logrus.Entry) ([]followUp, error) {
	if installmentID == 0 {
		log.Warn("event carries no installment reference")
		return nil, nil
	}
	inst, err := loadInstallmentForUpdate(tx, installmentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.WithField("installment", installmentID).Warn("event references unknown installment")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log = log.WithField("installment", inst.ID)

	if inst.Status == models.InstallmentPaid {
		log.Info("installment already paid")
		return nil, nil
	}
	if in.Amount > 0 && in.Amount != inst.Amount {
		log.WithFields(logrus.Fields{"expected": inst.Amount, "received": in.Amount}).Warn("paid amount differs from installment")
	}
	plan := inst.PaymentPlan
	if plan.Status == models.PlanCancelled {
		log.Warn("payment received for cancelled plan")
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":                   models.InstallmentPaid,
		"paid_at":                  now,
		"failure_reason":           "",
		"stripe_payment_intent_id": in.PaymentIntentID,
	}
	if in.SessionID != "" {
		updates["stripe_session_id"] = in.SessionID
	}
	if err := tx.Model(&models.Installment{}).Where("id = ?", inst.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	inst.Status = models.InstallmentPaid
	inst.PaidAt = &now

	amount := in.Amount
	if amount <= 0 {
		amount = inst.Amount
	}
	payment := models.Payment{
		InstallmentID:         inst.ID,
		ReservationID:         plan.ReservationID,
		UserID:                plan.Reservation.GuestID,
		Amount:                amount,
		Currency:              plan.Currency,
		Status:                models.PaymentSucceeded,
		StripePaymentIntentID: in.PaymentIntentID,
		StripeSessionID:       in.SessionID,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&payment).Error; err != nil {
		return nil, err
	}

	if err := recomputePlan(tx, plan); err != nil {
		return nil, err
	}

	reservation := plan.Reservation
	return []followUp{func() {
		utils.InstallmentsPaid.Inc()
		var property models.Property
		if err := storage.DB.First(&property, reservation.PropertyID).Error; err != nil {
			logging.Log.WithError(err).Warn("property for paid installment not found")
			return
		}
		NewNotificationService().InstallmentPaid(inst, reservation, &property)
	}}, nil
}

// recomputePlan derives plan and reservation payment status from the installments.
func recomputePlan(tx *gorm.DB, plan *models.PaymentPlan) error {
	var total, paid int64
	if err := tx.Model(&models.Installment{}).
		Where("payment_plan_id = ? AND status <> ?", plan.ID, models.InstallmentCancelled).
		Count(&total).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Installment{}).
		Where("payment_plan_id = ? AND status = ?", plan.ID, models.InstallmentPaid).
		Count(&paid).Error; err != nil {
		return err
	}

	paymentStatus := models.PaymentUnpaid
	switch {
	case total > 0 && paid == total:
		paymentStatus = models.PaymentPaid
		if plan.Status == models.PlanActive {
			if err := tx.Model(&models.PaymentPlan{}).Where("id = ?", plan.ID).Update("status", models.PlanCompleted).Error; err != nil {
				return err
			}
			plan.Status = models.PlanCompleted
		}
	case paid > 0:
		paymentStatus = models.PaymentPartiallyPaid
	}

	if err := tx.Model(&models.Reservation{}).Where("id = ?", plan.ReservationID).
		Update("payment_status", paymentStatus).Error; err != nil {
		return err
	}
	if plan.Reservation != nil {
		plan.Reservation.PaymentStatus = paymentStatus
	}
	return nil
}

func failInstallment(tx *gorm.DB, installmentID uint, intentID, reason string, amount int64, log *logrus.Entry) ([]followUp, error) {
	if installmentID == 0 {
		log.Warn("failed payment carries no installment reference")
		return nil, nil
	}
	inst, err := loadInstallmentForUpdate(tx, installmentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.WithField("installment", installmentID).Warn("event references unknown installment")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstallmentPaid || inst.Status == models.InstallmentCancelled {
		log.WithField("status", inst.Status).Info("ignoring failure for settled installment")
		return nil, nil
	}

	if err := tx.Model(&models.Installment{}).Where("id = ?", inst.ID).Updates(map[string]interface{}{
		"status":                   models.InstallmentFailed,
		"failure_reason":           reason,
		"stripe_payment_intent_id": intentID,
	}).Error; err != nil {
		return nil, err
	}
	inst.Status = models.InstallmentFailed
	inst.FailureReason = reason

	if amount <= 0 {
		amount = inst.Amount
	}
	plan := inst.PaymentPlan
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Payment{
		InstallmentID:         inst.ID,
		ReservationID:         plan.ReservationID,
		UserID:                plan.Reservation.GuestID,
		Amount:                amount,
		Currency:              plan.Currency,
		Status:                models.PaymentFailed,
		StripePaymentIntentID: intentID,
		FailureReason:         reason,
	}).Error; err != nil {
		return nil, err
	}

	reservation := plan.Reservation
	return []followUp{func() {
		NewNotificationService().InstallmentFailed(inst, reservation)
	}}, nil
}

// MarkInstallmentPaid settles an installment collected outside the processor.
func MarkInstallmentPaid(installmentID uint) (*models.Installment, error) {
	log := logging.Log.WithFields(logrus.Fields{"installment": installmentID, "source": "manual"})

	var after []followUp
	var inst models.Installment
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&inst, installmentID).Error; err != nil {
			return err
		}
		if !inst.Payable() {
			return ErrInstallmentNotPayable
		}
		var err error
		after, err = settleInstallment(tx, inst.ID, SettleInput{PaymentIntentID: "manual:" + uuid.NewString()}, log)
		if err != nil {
			return err
		}
		return tx.First(&inst, installmentID).Error
	})
	if err != nil {
		return nil, err
	}
	for _, f := range after {
		f()
	}
	return &inst, nil
}
