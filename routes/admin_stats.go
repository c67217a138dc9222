package routes

import (
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"time"

	"github.com/kataras/iris/v12"
)

// GET /admin/stats
func AdminStats(ctx iris.Context) {
	now := time.Now().UTC()
	since7 := now.AddDate(0, 0, -7)
	since30 := now.AddDate(0, 0, -30)

	var pendingProperties, flaggedProperties, pendingReservations int64
	var newRes7, newRes30, activePlans, overdueInstallments int64
	var revenue30 int64

	counts := []struct {
		query *int64
		run   func(*int64) error
	}{
		{&pendingProperties, func(n *int64) error {
			return storage.DB.Model(&models.Property{}).Where("status = ?", models.PropertyStatusPending).Count(n).Error
		}},
		{&flaggedProperties, func(n *int64) error {
			return storage.DB.Model(&models.Property{}).Where("is_flagged = ?", true).Count(n).Error
		}},
		{&pendingReservations, func(n *int64) error {
			return storage.DB.Model(&models.Reservation{}).Where("status = ?", models.ReservationPending).Count(n).Error
		}},
		{&newRes7, func(n *int64) error {
			return storage.DB.Model(&models.Reservation{}).Where("created_at >= ?", since7).Count(n).Error
		}},
		{&newRes30, func(n *int64) error {
			return storage.DB.Model(&models.Reservation{}).Where("created_at >= ?", since30).Count(n).Error
		}},
		{&activePlans, func(n *int64) error {
			return storage.DB.Model(&models.PaymentPlan{}).Where("status = ?", models.PlanActive).Count(n).Error
		}},
		{&overdueInstallments, func(n *int64) error {
			return storage.DB.Model(&models.Installment{}).Where("status = ?", models.InstallmentOverdue).Count(n).Error
		}},
		{&revenue30, func(n *int64) error {
			return storage.DB.Model(&models.Payment{}).
				Where("status = ? AND created_at >= ?", models.PaymentSucceeded, since30).
				Select("COALESCE(SUM(amount), 0)").Scan(n).Error
		}},
	}
	for _, c := range counts {
		if err := c.run(c.query); err != nil {
			respondServiceError(ctx, err)
			return
		}
	}

	utils.JSONData(ctx, iris.Map{
		"pending_properties":   pendingProperties,
		"flagged_properties":   flaggedProperties,
		"pending_reservations": pendingReservations,
		"new_reservations_7d":  newRes7,
		"new_reservations_30d": newRes30,
		"active_payment_plans": activePlans,
		"overdue_installments": overdueInstallments,
		"revenue_30d":          revenue30,
	})
}

// GET /admin/activity
func AdminActivity(ctx iris.Context) {
	logs := []models.AuditLog{}
	q := storage.DB.Order("created_at DESC, id DESC").Limit(100)
	if resource := ctx.URLParam("resource_type"); resource != "" {
		q = q.Where("resource_type = ?", resource)
	}
	if err := q.Find(&logs).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.JSONData(ctx, logs)
}
