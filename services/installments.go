package services

import (
	"context"
	"errors"
	"fmt"
	"rentals-server/config"
	"rentals-server/models"
	"rentals-server/storage"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MaxInstallments     = 12
	DefaultIntervalDays = 30
)

var (
	ErrPlanExists            = errors.New("reservation already has an active payment plan")
	ErrAmountMismatch        = errors.New("installment amounts must sum to the reservation total")
	ErrInvalidSchedule       = errors.New("invalid installment schedule")
	ErrInstallmentNotPayable = errors.New("installment cannot be paid now")
	ErrPlanHasPayments       = errors.New("payment plan already has paid installments")
	ErrPlanNotActive         = errors.New("payment plan is not active")
	ErrReservationNotPayable = errors.New("reservation does not accept payments")
	ErrNotReservationGuest   = errors.New("only the guest can pay this reservation")
	ErrNothingDue            = errors.New("reservation is fully paid")
)

type InstallmentInput struct {
	Amount  int64     `json:"amount"`
	DueDate time.Time `json:"dueDate"`
}

// PlanInput is either an explicit list of installments or an equal split of
// Count payments starting at FirstDueDate every IntervalDays.
type PlanInput struct {
	Installments []InstallmentInput `json:"installments"`
	Count        int                `json:"count"`
	FirstDueDate time.Time          `json:"firstDueDate"`
	IntervalDays int                `json:"intervalDays"`
}

// BuildSchedule turns input into pending installments that sum to total.
// For an equal split the remainder of the division goes on the first installment.
func BuildSchedule(total int64, input PlanInput) ([]models.Installment, error) {
	var out []models.Installment

	if len(input.Installments) > 0 {
		if len(input.Installments) > MaxInstallments {
			return nil, fmt.Errorf("%w: at most %d installments", ErrInvalidSchedule, MaxInstallments)
		}
		var sum int64
		for i, in := range input.Installments {
			if in.Amount <= 0 {
				return nil, fmt.Errorf("%w: installment %d amount must be positive", ErrInvalidSchedule, i+1)
			}
			sum += in.Amount
			out = append(out, models.Installment{
				Sequence: i + 1,
				Amount:   in.Amount,
				DueDate:  NormalizeDate(in.DueDate),
				Status:   models.InstallmentPending,
			})
		}
		if sum != total {
			return nil, ErrAmountMismatch
		}
	} else {
		if input.Count < 1 || input.Count > MaxInstallments {
			return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidSchedule, MaxInstallments)
		}
		if input.FirstDueDate.IsZero() {
			return nil, fmt.Errorf("%w: firstDueDate is required", ErrInvalidSchedule)
		}
		interval := input.IntervalDays
		if interval <= 0 {
			interval = DefaultIntervalDays
		}
		base := total / int64(input.Count)
		if base <= 0 {
			return nil, fmt.Errorf("%w: total too small to split", ErrInvalidSchedule)
		}
		remainder := total - base*int64(input.Count)
		first := NormalizeDate(input.FirstDueDate)
		for i := 0; i < input.Count; i++ {
			amount := base
			if i == 0 {
				amount += remainder
			}
			out = append(out, models.Installment{
				Sequence: i + 1,
				Amount:   amount,
				DueDate:  first.AddDate(0, 0, i*interval),
				Status:   models.InstallmentPending,
			})
		}
	}

	for i := 1; i < len(out); i++ {
		if out[i].DueDate.Before(out[i-1].DueDate) {
			return nil, fmt.Errorf("%w: due dates must not decrease", ErrInvalidSchedule)
		}
	}
	return out, nil
}

func livePlanQuery(tx *gorm.DB, reservationID uint) *gorm.DB {
	return tx.Where("reservation_id = ? AND status <> ?", reservationID, models.PlanCancelled)
}

func createPlan(tx *gorm.DB, reservationID, createdBy uint, input PlanInput) (*models.PaymentPlan, *models.Reservation, error) {
	var r models.Reservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&r, reservationID).Error; err != nil {
		return nil, nil, err
	}
	if r.Status != models.ReservationPending && r.Status != models.ReservationConfirmed {
		return nil, nil, ErrReservationNotPayable
	}

	var existing int64
	if err := livePlanQuery(tx.Model(&models.PaymentPlan{}), r.ID).Count(&existing).Error; err != nil {
		return nil, nil, err
	}
	if existing > 0 {
		return nil, nil, ErrPlanExists
	}

	installments, err := BuildSchedule(r.TotalPrice, input)
	if err != nil {
		return nil, nil, err
	}

	plan := models.PaymentPlan{
		ReservationID: r.ID,
		CreatedByID:   createdBy,
		TotalAmount:   r.TotalPrice,
		Currency:      r.Currency,
		Status:        models.PlanActive,
		Installments:  installments,
	}
	if err := tx.Create(&plan).Error; err != nil {
		return nil, nil, err
	}
	return &plan, &r, nil
}

// CreatePaymentPlan stores an admin-defined plan and notifies the guest.
func CreatePaymentPlan(reservationID, createdBy uint, input PlanInput) (*models.PaymentPlan, error) {
	var plan *models.PaymentPlan
	var reservation *models.Reservation
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		plan, reservation, err = createPlan(tx, reservationID, createdBy, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	NewNotificationService().PlanCreated(plan, reservation.GuestID)
	return plan, nil
}

// CancelPaymentPlan cancels a plan that has not collected anything yet.
func CancelPaymentPlan(planID uint) (*models.PaymentPlan, error) {
	var plan models.PaymentPlan
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Installments").First(&plan, planID).Error; err != nil {
			return err
		}
		if plan.Status != models.PlanActive {
			return ErrPlanNotActive
		}
		for _, inst := range plan.Installments {
			if inst.Status == models.InstallmentPaid {
				return ErrPlanHasPayments
			}
		}
		if err := tx.Model(&models.Installment{}).Where("payment_plan_id = ?", plan.ID).
			Update("status", models.InstallmentCancelled).Error; err != nil {
			return err
		}
		plan.Status = models.PlanCancelled
		return tx.Model(&models.PaymentPlan{}).Where("id = ?", plan.ID).Update("status", models.PlanCancelled).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range plan.Installments {
		plan.Installments[i].Status = models.InstallmentCancelled
	}
	return &plan, nil
}

// LoadPlan returns the reservation's live plan with ordered installments, or gorm.ErrRecordNotFound.
func LoadPlan(db *gorm.DB, reservationID uint) (*models.PaymentPlan, error) {
	var plan models.PaymentPlan
	err := livePlanQuery(db, reservationID).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Order("id DESC").
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// StartCheckout opens a hosted checkout for one installment. Only the guest
// may pay, and installments must be paid in sequence.
func StartCheckout(ctx context.Context, installmentID, userID uint) (*CheckoutSession, error) {
	if Gateway == nil {
		return nil, ErrPaymentsDisabled
	}

	var inst models.Installment
	if err := storage.DB.Preload("PaymentPlan.Reservation.Property").First(&inst, installmentID).Error; err != nil {
		return nil, err
	}
	plan := inst.PaymentPlan
	if plan == nil || plan.Reservation == nil {
		return nil, gorm.ErrRecordNotFound
	}
	r := plan.Reservation
	if r.GuestID != userID {
		return nil, ErrNotReservationGuest
	}
	if plan.Status != models.PlanActive || !inst.Payable() {
		return nil, ErrInstallmentNotPayable
	}
	if r.Status != models.ReservationPending && r.Status != models.ReservationConfirmed {
		return nil, ErrReservationNotPayable
	}

	var unpaidBefore int64
	if err := storage.DB.Model(&models.Installment{}).
		Where("payment_plan_id = ? AND sequence < ? AND status <> ?", plan.ID, inst.Sequence, models.InstallmentPaid).
		Count(&unpaidBefore).Error; err != nil {
		return nil, err
	}
	if unpaidBefore > 0 {
		return nil, ErrInstallmentNotPayable
	}

	var guest models.User
	storage.DB.Select("id, email").First(&guest, userID)

	title := "Reservation"
	if r.Property != nil {
		title = r.Property.Title
	}
	currency := plan.Currency
	if currency == "" {
		currency = config.App.Currency
	}
	base := strings.TrimRight(config.App.FrontendURL, "/")

	session, err := Gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		InstallmentID: inst.ID,
		PlanID:        plan.ID,
		ReservationID: r.ID,
		Amount:        inst.Amount,
		Currency:      strings.ToLower(currency),
		Description:   fmt.Sprintf("%s: installment %d", title, inst.Sequence),
		CustomerEmail: guest.Email,
		SuccessURL:    fmt.Sprintf("%s/reservations/%d?payment=success&session_id={CHECKOUT_SESSION_ID}", base, r.ID),
		CancelURL:     fmt.Sprintf("%s/reservations/%d?payment=cancelled", base, r.ID),
	})
	if err != nil {
		return nil, err
	}

	if err := storage.DB.Model(&models.Installment{}).Where("id = ?", inst.ID).Update("stripe_session_id", session.ID).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// CheckoutReservation pays the next installment due. A reservation without
// a plan gets a single-installment plan for the full total first.
func CheckoutReservation(ctx context.Context, reservationID, userID uint) (*CheckoutSession, error) {
	if Gateway == nil {
		return nil, ErrPaymentsDisabled
	}

	var next models.Installment
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var r models.Reservation
		if err := tx.First(&r, reservationID).Error; err != nil {
			return err
		}
		if r.GuestID != userID {
			return ErrNotReservationGuest
		}

		plan, err := LoadPlan(tx, r.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			plan, _, err = createPlan(tx, r.ID, 0, PlanInput{Count: 1, FirstDueDate: time.Now().UTC()})
		}
		if err != nil {
			return err
		}

		for _, inst := range plan.Installments {
			if inst.Status != models.InstallmentPaid {
				next = inst
				return nil
			}
		}
		return ErrNothingDue
	})
	if err != nil {
		return nil, err
	}
	return StartCheckout(ctx, next.ID, userID)
}
