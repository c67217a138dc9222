package routes

import (
	"net/http"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"time"

	"github.com/kataras/iris/v12"
)

// GET /admin/reservations
func AdminListReservations(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)

	q := storage.DB.Model(&models.Reservation{})
	if status := ctx.URLParam("status"); status != "" {
		q = q.Where("reservations.status = ?", status)
	}
	if hostID := ctx.URLParam("host_id"); hostID != "" {
		q = q.Joins("JOIN properties ON properties.id = reservations.property_id").Where("properties.host_id = ?", hostID)
	}
	if guestID := ctx.URLParam("guest_id"); guestID != "" {
		q = q.Where("reservations.guest_id = ?", guestID)
	}
	if from := ctx.URLParam("date_from"); from != "" {
		if t, err := services.ParseDay(from); err == nil {
			q = q.Where("reservations.check_in >= ?", t)
		}
	}
	if to := ctx.URLParam("date_to"); to != "" {
		if t, err := services.ParseDay(to); err == nil {
			q = q.Where("reservations.check_out <= ?", t)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	items := []models.Reservation{}
	err := q.Preload("Property").Preload("Guest").
		Order("reservations.created_at DESC").
		Offset(utils.Offset(page, perPage)).
		Limit(perPage).
		Find(&items).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.JSONPage(ctx, items, page, perPage, total)
}

// GET /admin/reservations/:id
func AdminGetReservation(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	var res models.Reservation
	if err := storage.DB.Preload("Property").Preload("Guest").First(&res, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	paid, err := services.PaidAmount(storage.DB, res.ID)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	plan, err := services.LoadPlan(storage.DB, res.ID)
	if err != nil && !isNotFound(err) {
		respondServiceError(ctx, err)
		return
	}

	utils.JSONData(ctx, iris.Map{"reservation": res, "plan": plan, "paidAmount": paid})
}

// POST /admin/reservations/:id/cancel { reason }
func AdminCancelReservation(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason" validate:"required,max=1000"`
	}
	if err := ctx.ReadJSON(&body); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var before models.Reservation
	if err := storage.DB.First(&before, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	result, err := services.CancelReservation(id, body.Reason, time.Now())
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "reservation.cancel", "reservation", id, before, result.Reservation)
	utils.JSONData(ctx, result)
}

// POST /admin/reservations/:id/payment-plan
func AdminCreatePaymentPlan(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	var body PaymentPlanInput
	if err := ctx.ReadJSON(&body); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	input, err := body.planInput()
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	plan, err := services.CreatePaymentPlan(id, utils.CurrentUserID(ctx), input)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "payment_plan.create", "reservation", id, nil, plan)
	ctx.StatusCode(iris.StatusCreated)
	utils.JSONData(ctx, plan)
}

// DELETE /admin/payment-plans/:id
func AdminCancelPaymentPlan(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	plan, err := services.CancelPaymentPlan(id)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.Audit(ctx, "payment_plan.cancel", "payment_plan", plan.ID, nil, plan)
	utils.JSONData(ctx, plan)
}

// POST /admin/installments/:id/mark-paid records an offline payment.
func AdminMarkInstallmentPaid(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	inst, err := services.MarkInstallmentPaid(id)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.Audit(ctx, "installment.mark_paid", "installment", inst.ID, nil, inst)
	utils.JSONData(ctx, inst)
}

// GET /admin/payments
func AdminListPayments(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)

	q := storage.DB.Model(&models.Payment{})
	if status := ctx.URLParam("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if resID := ctx.URLParam("reservation_id"); resID != "" {
		q = q.Where("reservation_id = ?", resID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	payments := []models.Payment{}
	if err := q.Order("created_at DESC, id DESC").Offset(utils.Offset(page, perPage)).Limit(perPage).Find(&payments).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.JSONPage(ctx, payments, page, perPage, total)
}

// PaymentPlanInput carries due dates as YYYY-MM-DD strings.
type PaymentPlanInput struct {
	Installments []struct {
		Amount  int64  `json:"amount"`
		DueDate string `json:"dueDate"`
	} `json:"installments"`
	Count        int    `json:"count"`
	FirstDueDate string `json:"firstDueDate"`
	IntervalDays int    `json:"intervalDays"`
}

func (in PaymentPlanInput) planInput() (services.PlanInput, error) {
	out := services.PlanInput{Count: in.Count, IntervalDays: in.IntervalDays}
	for _, item := range in.Installments {
		due, err := services.ParseDay(item.DueDate)
		if err != nil {
			return out, err
		}
		out.Installments = append(out.Installments, services.InstallmentInput{Amount: item.Amount, DueDate: due})
	}
	if in.FirstDueDate != "" {
		first, err := services.ParseDay(in.FirstDueDate)
		if err != nil {
			return out, err
		}
		out.FirstDueDate = first
	}
	return out, nil
}
