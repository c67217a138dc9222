package routes

import (
	"errors"
	"io"
	"net/http"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"time"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

const maxWebhookBody = 1 << 20

func CreateReservation(ctx iris.Context) {
	var input CreateReservationInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	checkIn, checkOut, ok := readStay(ctx, input.CheckIn, input.CheckOut)
	if !ok {
		return
	}

	reservation, err := services.CreateReservation(services.BookingRequest{
		PropertyID: input.PropertyID,
		GuestID:    utils.CurrentUserID(ctx),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		NumGuests:  input.NumGuests,
		Note:       input.Note,
	})
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(reservation)
}

// GetUserReservations lists the caller's reservations as a guest.
func GetUserReservations(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)
	q := storage.DB.Model(&models.Reservation{}).Where("guest_id = ?", utils.CurrentUserID(ctx))
	if status := ctx.URLParam("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	listReservations(ctx, q, page, perPage)
}

// GetHostReservations lists reservations on properties the caller hosts.
func GetHostReservations(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)
	q := storage.DB.Model(&models.Reservation{}).
		Joins("JOIN properties p ON p.id = reservations.property_id").
		Where("p.host_id = ?", utils.CurrentUserID(ctx))
	if status := ctx.URLParam("status"); status != "" {
		q = q.Where("reservations.status = ?", status)
	}
	listReservations(ctx, q, page, perPage)
}

func listReservations(ctx iris.Context, q *gorm.DB, page, perPage int) {
	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	reservations := []models.Reservation{}
	err := q.Preload("Property").
		Preload("Property.Images", orderByPosition).
		Preload("Guest").
		Order("reservations.created_at DESC").
		Offset(utils.Offset(page, perPage)).
		Limit(perPage).
		Find(&reservations).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.JSONPage(ctx, reservations, page, perPage, total)
}

func GetReservation(ctx iris.Context) {
	reservation := loadReservationForCaller(ctx)
	if reservation == nil {
		return
	}

	plan, err := services.LoadPlan(storage.DB, reservation.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		respondServiceError(ctx, err)
		return
	}
	reservation.PaymentPlan = plan

	ctx.JSON(reservation)
}

// UpdateReservationStatus lets the host confirm or reject a pending request.
func UpdateReservationStatus(ctx iris.Context) {
	var input UpdateReservationStatusInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	reservation := loadReservationForCaller(ctx)
	if reservation == nil {
		return
	}
	if reservation.Property.HostID != utils.CurrentUserID(ctx) {
		utils.CreateForbidden(ctx)
		return
	}

	if err := services.DecideReservation(reservation, input.Status, time.Now().UTC()); err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.JSON(reservation)
}

// CancelReservation is the guest's cancellation.
func CancelReservation(ctx iris.Context) {
	reservation := loadReservationForCaller(ctx)
	if reservation == nil {
		return
	}
	if reservation.GuestID != utils.CurrentUserID(ctx) {
		utils.CreateForbidden(ctx)
		return
	}

	var input CancelReservationInput
	if ctx.GetContentLength() > 0 {
		if err := ctx.ReadJSON(&input); err != nil {
			utils.HandleValidationErrors(err, ctx)
			return
		}
	}
	if input.Reason == "" {
		input.Reason = "Cancelled by guest"
	}

	result, err := services.CancelReservation(reservation.ID, input.Reason, time.Now().UTC())
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.JSON(result)
}

func GetReservationPaymentPlan(ctx iris.Context) {
	reservation := loadReservationForCaller(ctx)
	if reservation == nil {
		return
	}

	plan, err := services.LoadPlan(storage.DB, reservation.ID)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	paid, err := services.PaidAmount(storage.DB, reservation.ID)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.JSON(iris.Map{
		"plan":          plan,
		"paidAmount":    paid,
		"balance":       plan.TotalAmount - paid,
		"paymentStatus": reservation.PaymentStatus,
	})
}

// CheckoutReservation pays the next installment, creating a single
// installment plan when the reservation has none.
func CheckoutReservation(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	session, err := services.CheckoutReservation(ctx.Request().Context(), id, utils.CurrentUserID(ctx))
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	ctx.JSON(session)
}

func CheckoutInstallment(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	session, err := services.StartCheckout(ctx.Request().Context(), id, utils.CurrentUserID(ctx))
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	ctx.JSON(session)
}

// StripeWebhook verifies and applies a processor event. A 500 makes the
// processor retry, so it is only returned when processing failed.
func StripeWebhook(ctx iris.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBody))
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_body", "could not read body")
		return
	}

	result, err := services.HandleWebhook(ctx.Request().Context(), payload, ctx.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, services.ErrInvalidSignature):
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_signature", err.Error())
		return
	case errors.Is(err, services.ErrPaymentsDisabled):
		utils.JSONError(ctx, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	case err != nil:
		logging.Log.WithError(err).Error("webhook processing failed")
		utils.JSONError(ctx, http.StatusInternalServerError, "processing_failed", "webhook processing failed")
		return
	}

	ctx.JSON(iris.Map{"received": true, "duplicate": result.Duplicate})
}

// loadReservationForCaller loads {id} with its property. Only the guest,
// the host and admins may see it.
func loadReservationForCaller(ctx iris.Context) *models.Reservation {
	id, ok := paramID(ctx, "id")
	if !ok {
		return nil
	}

	var reservation models.Reservation
	if err := storage.DB.Preload("Property").Preload("Guest").First(&reservation, id).Error; err != nil {
		respondServiceError(ctx, err)
		return nil
	}

	userID := utils.CurrentUserID(ctx)
	isHost := reservation.Property != nil && reservation.Property.HostID == userID
	if reservation.GuestID != userID && !isHost && !utils.IsAdmin(ctx) {
		utils.CreateForbidden(ctx)
		return nil
	}
	if reservation.Property == nil {
		reservation.Property = &models.Property{}
	}
	return &reservation
}

type CreateReservationInput struct {
	PropertyID uint   `json:"propertyID" validate:"required"`
	CheckIn    string `json:"checkIn" validate:"required"`
	CheckOut   string `json:"checkOut" validate:"required"`
	NumGuests  int    `json:"numGuests" validate:"required,gte=1"`
	Note       string `json:"note" validate:"max=2000"`
}

type UpdateReservationStatusInput struct {
	Status string `json:"status" validate:"required,oneof=confirmed rejected"`
}

type CancelReservationInput struct {
	Reason string `json:"reason" validate:"max=500"`
}
