package routes

import (
	"rentals-server/models"
	"rentals-server/storage"

	"github.com/kataras/iris/v12"
)

// GET /admin/users/:id with the user's recent reservations, listings and admin actions.
func AdminGetUser(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var user models.User
	if err := storage.DB.First(&user, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	reservations := []models.Reservation{}
	storage.DB.Where("guest_id = ?", id).Order("created_at DESC").Limit(20).Find(&reservations)

	properties := []models.Property{}
	storage.DB.Where("host_id = ?", id).Order("created_at DESC").Find(&properties)

	actions := []models.AuditLog{}
	storage.DB.Where("actor_id = ?", id).Order("created_at DESC").Limit(50).Find(&actions)

	ctx.JSON(iris.Map{
		"data": iris.Map{
			"user":               &user,
			"reservations":       reservations,
			"properties":         properties,
			"recentAdminActions": actions,
		},
		"meta":  iris.Map{},
		"links": iris.Map{},
	})
}
