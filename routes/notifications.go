package routes

import (
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"time"

	"github.com/kataras/iris/v12"
)

// ListNotifications pages through the caller's in-app notifications, newest first.
func ListNotifications(ctx iris.Context) {
	userID := utils.CurrentUserID(ctx)
	page, perPage := utils.PageParams(ctx)

	q := storage.DB.Model(&models.Notification{}).Where("user_id = ?", userID)
	if ctx.URLParamDefault("unread", "") == "true" {
		q = q.Where("is_read = ?", false)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	var unread int64
	if err := storage.DB.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&unread).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	notifications := []models.Notification{}
	err := q.Order("created_at DESC, id DESC").
		Offset(utils.Offset(page, perPage)).
		Limit(perPage).
		Find(&notifications).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.JSON(iris.Map{
		"data":  notifications,
		"meta":  iris.Map{"page": page, "per_page": perPage, "total": total, "unread": unread},
		"links": iris.Map{},
	})
}

func MarkNotificationRead(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	now := time.Now().UTC()
	res := storage.DB.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, utils.CurrentUserID(ctx)).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		respondServiceError(ctx, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		utils.CreateNotFound(ctx)
		return
	}

	ctx.StatusCode(iris.StatusNoContent)
}

func MarkAllNotificationsRead(ctx iris.Context) {
	now := time.Now().UTC()
	res := storage.DB.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", utils.CurrentUserID(ctx), false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		respondServiceError(ctx, res.Error)
		return
	}

	ctx.JSON(iris.Map{"updated": res.RowsAffected})
}
