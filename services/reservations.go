package services

import (
	"errors"
	"fmt"
	"rentals-server/config"
	"rentals-server/models"
	"rentals-server/storage"
	"sort"
	"time"

	"gorm.io/gorm"
)

var (
	ErrDatesUnavailable = errors.New("the selected dates are not available")
	ErrNotCancellable   = errors.New("reservation can no longer be cancelled")
	ErrNotPending       = errors.New("reservation is not pending")
	ErrPropertyClosed   = errors.New("property is not open for booking")
)

// UnavailableNight is one night that cannot be booked and why.
type UnavailableNight struct {
	Date   string `json:"date"`
	Source string `json:"source"` // reservation, manual, ical
}

// CheckAvailability returns ErrDatesUnavailable when [checkIn, checkOut)
// overlaps a confirmed reservation or a calendar block. excludeID skips one
// reservation, used when confirming it.
func CheckAvailability(db *gorm.DB, propertyID uint, checkIn, checkOut time.Time, excludeID uint) error {
	var conflicts int64
	q := db.Model(&models.Reservation{}).
		Where("property_id = ? AND status = ? AND check_in < ? AND check_out > ?",
			propertyID, models.ReservationConfirmed, checkOut, checkIn)
	if excludeID > 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&conflicts).Error; err != nil {
		return err
	}
	if conflicts > 0 {
		return ErrDatesUnavailable
	}

	var blocked int64
	if err := db.Model(&models.PropertyBlock{}).
		Where("property_id = ? AND start_date < ? AND end_date > ?", propertyID, checkOut, checkIn).
		Count(&blocked).Error; err != nil {
		return err
	}
	if blocked > 0 {
		return ErrDatesUnavailable
	}
	return nil
}

// UnavailableNights lists the nights in [from, to) taken by confirmed
// reservations or blocks, sorted by date. A reservation wins over a block on
// the same night.
func UnavailableNights(db *gorm.DB, propertyID uint, from, to time.Time) ([]UnavailableNight, error) {
	from, to = NormalizeDate(from), NormalizeDate(to)

	var reservations []models.Reservation
	if err := db.Select("check_in, check_out").
		Where("property_id = ? AND status = ? AND check_in < ? AND check_out > ?", propertyID, models.ReservationConfirmed, to, from).
		Find(&reservations).Error; err != nil {
		return nil, err
	}
	var blocks []models.PropertyBlock
	if err := db.Select("start_date, end_date, source").
		Where("property_id = ? AND start_date < ? AND end_date > ?", propertyID, to, from).
		Find(&blocks).Error; err != nil {
		return nil, err
	}

	nights := map[string]string{}
	mark := func(start, end time.Time, source string) {
		start, end = NormalizeDate(start), NormalizeDate(end)
		if start.Before(from) {
			start = from
		}
		if end.After(to) {
			end = to
		}
		for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
			key := d.Format(DayLayout)
			if _, taken := nights[key]; !taken || source == "reservation" {
				nights[key] = source
			}
		}
	}
	for _, b := range blocks {
		source := b.Source
		if source == "" {
			source = models.BlockSourceManual
		}
		mark(b.StartDate, b.EndDate, source)
	}
	for _, r := range reservations {
		mark(r.CheckIn, r.CheckOut, "reservation")
	}

	out := make([]UnavailableNight, 0, len(nights))
	for date, source := range nights {
		out = append(out, UnavailableNight{Date: date, Source: source})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// BookingRequest is a guest's reservation request.
type BookingRequest struct {
	PropertyID uint
	GuestID    uint
	CheckIn    time.Time
	CheckOut   time.Time
	NumGuests  int
	Note       string
}

// CreateReservation prices the stay and stores a pending reservation.
func CreateReservation(req BookingRequest) (*models.Reservation, error) {
	var property models.Property
	if err := storage.DB.First(&property, req.PropertyID).Error; err != nil {
		return nil, err
	}
	if !property.Bookable() {
		return nil, ErrPropertyClosed
	}

	quote, err := QuoteStay(&property, req.CheckIn, req.CheckOut, req.NumGuests)
	if err != nil {
		return nil, err
	}
	if err := CheckAvailability(storage.DB, property.ID, quote.CheckIn, quote.CheckOut, 0); err != nil {
		return nil, err
	}

	ttl := 48 * time.Hour
	if config.App != nil && config.App.PendingReservationTTL > 0 {
		ttl = config.App.PendingReservationTTL
	}

	currency := property.Currency
	if currency == "" && config.App != nil {
		currency = config.App.Currency
	}

	reservation := models.Reservation{
		PropertyID:    property.ID,
		GuestID:       req.GuestID,
		CheckIn:       quote.CheckIn,
		CheckOut:      quote.CheckOut,
		NumGuests:     quote.Guests,
		Nights:        quote.Nights,
		TotalPrice:    quote.Total,
		Currency:      currency,
		Status:        models.ReservationPending,
		PaymentStatus: models.PaymentUnpaid,
		Note:          req.Note,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}
	if err := storage.DB.Create(&reservation).Error; err != nil {
		return nil, err
	}

	var guest models.User
	if err := storage.DB.First(&guest, req.GuestID).Error; err == nil {
		NewNotificationService().ReservationRequested(&reservation, &property, &guest)
	}
	return &reservation, nil
}

// DecideReservation applies the host's confirm or reject. A request past its
// expiry is marked expired and ErrNotPending is returned.
func DecideReservation(r *models.Reservation, status string, now time.Time) error {
	if r.Status != models.ReservationPending {
		return ErrNotPending
	}
	if now.After(r.ExpiresAt) {
		if err := storage.DB.Model(&models.Reservation{}).Where("id = ?", r.ID).Update("status", models.ReservationExpired).Error; err != nil {
			return err
		}
		r.Status = models.ReservationExpired
		return ErrNotPending
	}

	switch status {
	case models.ReservationConfirmed:
		if err := CheckAvailability(storage.DB, r.PropertyID, r.CheckIn, r.CheckOut, r.ID); err != nil {
			return err
		}
	case models.ReservationRejected:
	default:
		return fmt.Errorf("unsupported status %q", status)
	}

	if err := storage.DB.Model(&models.Reservation{}).Where("id = ?", r.ID).Update("status", status).Error; err != nil {
		return err
	}
	r.Status = status

	var property models.Property
	if err := storage.DB.First(&property, r.PropertyID).Error; err == nil {
		NewNotificationService().ReservationDecided(r, &property)
	}
	return nil
}

// CalculateRefund applies the cancellation policy to the amount already
// paid. Whole days are counted from now until check-in.
func CalculateRefund(policy string, checkIn time.Time, now time.Time, paid int64) (int64, string) {
	days := int(checkIn.Sub(now).Hours() / 24)

	switch policy {
	case "moderate":
		if days >= 5 {
			return paid, "Full refund, cancelled 5+ days before check-in"
		}
		if days >= 1 {
			return paid / 2, "50% refund, cancelled 1-4 days before check-in"
		}
		return 0, "No refund, cancelled less than 24 hours before check-in"
	case "strict":
		if days >= 7 {
			return paid / 2, "50% refund, cancelled 7+ days before check-in"
		}
		return 0, "No refund, cancelled less than 7 days before check-in"
	default:
		if days >= 1 {
			return paid, "Full refund, cancelled 24+ hours before check-in"
		}
		return 0, "No refund, cancelled less than 24 hours before check-in"
	}
}

// PaidAmount sums the paid installments of the reservation's live plans.
func PaidAmount(db *gorm.DB, reservationID uint) (int64, error) {
	var paid int64
	err := db.Model(&models.Installment{}).
		Joins("JOIN payment_plans ON payment_plans.id = installments.payment_plan_id AND payment_plans.deleted_at IS NULL").
		Where("payment_plans.reservation_id = ? AND installments.status = ?", reservationID, models.InstallmentPaid).
		Select("COALESCE(SUM(installments.amount), 0)").
		Scan(&paid).Error
	return paid, err
}

// CancellationResult is returned to the caller of CancelReservation.
type CancellationResult struct {
	Reservation  *models.Reservation `json:"reservation"`
	PaidAmount   int64               `json:"paidAmount"`
	RefundAmount int64               `json:"refundAmount"`
	Reason       string              `json:"reason"`
}

// CancelReservation cancels a pending or confirmed reservation, records the
// refund due and cancels any unpaid installments.
func CancelReservation(reservationID uint, reason string, now time.Time) (*CancellationResult, error) {
	result := &CancellationResult{}
	var property models.Property

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var r models.Reservation
		if err := tx.First(&r, reservationID).Error; err != nil {
			return err
		}
		if !r.Cancellable() {
			return ErrNotCancellable
		}
		if err := tx.First(&property, r.PropertyID).Error; err != nil {
			return err
		}

		paid, err := PaidAmount(tx, r.ID)
		if err != nil {
			return err
		}
		refund, why := CalculateRefund(property.CancellationPolicy, r.CheckIn, now, paid)

		r.Status = models.ReservationCancelled
		r.RefundAmount = refund
		r.CancelReason = reason
		if err := tx.Model(&models.Reservation{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
			"status":        r.Status,
			"refund_amount": refund,
			"cancel_reason": reason,
		}).Error; err != nil {
			return err
		}

		if err := cancelOpenInstallments(tx, r.ID); err != nil {
			return err
		}

		result.Reservation = &r
		result.PaidAmount = paid
		result.RefundAmount = refund
		result.Reason = why
		return nil
	})
	if err != nil {
		return nil, err
	}

	NewNotificationService().ReservationCancelled(result.Reservation, &property)
	return result, nil
}

// cancelOpenInstallments cancels the unpaid installments and the live plans of a reservation.
func cancelOpenInstallments(tx *gorm.DB, reservationID uint) error {
	var planIDs []uint
	if err := tx.Model(&models.PaymentPlan{}).
		Where("reservation_id = ? AND status <> ?", reservationID, models.PlanCancelled).
		Pluck("id", &planIDs).Error; err != nil {
		return err
	}
	if len(planIDs) == 0 {
		return nil
	}
	if err := tx.Model(&models.Installment{}).
		Where("payment_plan_id IN ? AND status IN ?", planIDs,
			[]string{models.InstallmentPending, models.InstallmentFailed, models.InstallmentOverdue}).
		Update("status", models.InstallmentCancelled).Error; err != nil {
		return err
	}
	return tx.Model(&models.PaymentPlan{}).
		Where("id IN ? AND status = ?", planIDs, models.PlanActive).
		Update("status", models.PlanCancelled).Error
}

// ExpirePendingReservations marks pending requests past ExpiresAt as expired.
func ExpirePendingReservations(now time.Time) (int, error) {
	var expired []models.Reservation
	if err := storage.DB.Where("status = ? AND expires_at < ?", models.ReservationPending, now).Find(&expired).Error; err != nil {
		return 0, err
	}
	ns := NewNotificationService()
	for i := range expired {
		r := &expired[i]
		res := storage.DB.Model(&models.Reservation{}).
			Where("id = ? AND status = ?", r.ID, models.ReservationPending).
			Update("status", models.ReservationExpired)
		if res.Error != nil {
			return i, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		r.Status = models.ReservationExpired
		var property models.Property
		if err := storage.DB.First(&property, r.PropertyID).Error; err == nil {
			ns.ReservationDecided(r, &property)
		}
	}
	return len(expired), nil
}

// CompletePastReservations marks confirmed stays whose checkout has passed as completed.
func CompletePastReservations(now time.Time) (int64, error) {
	res := storage.DB.Model(&models.Reservation{}).
		Where("status = ? AND check_out <= ?", models.ReservationConfirmed, NormalizeDate(now)).
		Update("status", models.ReservationCompleted)
	return res.RowsAffected, res.Error
}
