package routes

import (
	"bytes"
	"errors"
	"net/http"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"
	"time"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

// ExportCalendar serves GET /api/calendar/{token}.ics for external channel managers.
func ExportCalendar(ctx iris.Context) {
	file := ctx.Params().Get("file")
	token := strings.TrimSuffix(file, ".ics")
	if token == file || token == "" {
		ctx.StopWithStatus(http.StatusNotFound)
		return
	}

	var property models.Property
	if err := storage.DB.Where("calendar_token = ?", token).First(&property).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.StopWithStatus(http.StatusNotFound)
			return
		}
		respondServiceError(ctx, err)
		return
	}

	events, err := services.ExportEvents(storage.DB, &property)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	var buf bytes.Buffer
	if err := services.WriteICal(&buf, property.Title, events, time.Now()); err != nil {
		logging.Log.WithField("property", property.ID).WithError(err).Error("write calendar")
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}

	ctx.ContentType("text/calendar; charset=utf-8")
	ctx.Header("Content-Disposition", `inline; filename="`+token+`.ics"`)
	ctx.Write(buf.Bytes())
}

func AdminListPropertyBlocks(ctx iris.Context) {
	property := adminProperty(ctx)
	if property == nil {
		return
	}

	blocks := []models.PropertyBlock{}
	if err := storage.DB.Where("property_id = ?", property.ID).Order("start_date ASC").Find(&blocks).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	ctx.JSON(blocks)
}

// AdminCreatePropertyBlock closes dates by hand. Blocks may not cover a
// confirmed reservation.
func AdminCreatePropertyBlock(ctx iris.Context) {
	property := adminProperty(ctx)
	if property == nil {
		return
	}

	var input CreateBlockInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	start, end, ok := readStay(ctx, input.StartDate, input.EndDate)
	if !ok {
		return
	}

	var conflicts int64
	if err := storage.DB.Model(&models.Reservation{}).
		Where("property_id = ? AND status = ? AND check_in < ? AND check_out > ?",
			property.ID, models.ReservationConfirmed, end, start).
		Count(&conflicts).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	if conflicts > 0 {
		utils.JSONError(ctx, http.StatusConflict, "conflict", "block overlaps a confirmed reservation")
		return
	}

	block := models.PropertyBlock{
		PropertyID: property.ID,
		StartDate:  start,
		EndDate:    end,
		Reason:     input.Reason,
		Source:     models.BlockSourceManual,
	}
	if err := storage.DB.Create(&block).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "block.create", "property", property.ID, nil, block)
	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(block)
}

func AdminDeletePropertyBlock(ctx iris.Context) {
	property := adminProperty(ctx)
	if property == nil {
		return
	}
	blockID, ok := paramID(ctx, "blockID")
	if !ok {
		return
	}

	var block models.PropertyBlock
	if err := storage.DB.Where("id = ? AND property_id = ?", blockID, property.ID).First(&block).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	if block.Source != models.BlockSourceManual {
		utils.JSONError(ctx, http.StatusConflict, "conflict", "imported blocks are managed by the calendar sync")
		return
	}

	if err := storage.DB.Delete(&models.PropertyBlock{}, block.ID).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "block.delete", "property", property.ID, block, nil)
	ctx.StatusCode(iris.StatusNoContent)
}

func AdminSetPropertyCalendar(ctx iris.Context) {
	property := adminProperty(ctx)
	if property == nil {
		return
	}

	var input SetCalendarInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	before := iris.Map{"icalURL": property.ICalURL}
	if err := storage.DB.Model(&models.Property{}).Where("id = ?", property.ID).Update("ical_url", input.ICalURL).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.calendar", "property", property.ID, before, iris.Map{"icalURL": input.ICalURL})
	ctx.JSON(iris.Map{"icalURL": input.ICalURL, "exportPath": "/api/calendar/" + property.CalendarToken + ".ics"})
}

func AdminSyncPropertyCalendar(ctx iris.Context) {
	property := adminProperty(ctx)
	if property == nil {
		return
	}

	imported, err := services.SyncPropertyCalendar(ctx.Request().Context(), property)
	if errors.Is(err, services.ErrNoCalendarURL) {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid", err.Error())
		return
	}
	if err != nil {
		logging.Log.WithField("property", property.ID).WithError(err).Warn("manual calendar sync failed")
		utils.JSONError(ctx, http.StatusBadGateway, "sync_failed", err.Error())
		return
	}

	utils.Audit(ctx, "property.calendar_sync", "property", property.ID, nil, iris.Map{"imported": imported})
	ctx.JSON(iris.Map{"imported": imported})
}

type CreateBlockInput struct {
	StartDate string `json:"startDate" validate:"required"`
	EndDate   string `json:"endDate" validate:"required"`
	Reason    string `json:"reason" validate:"max=255"`
}

type SetCalendarInput struct {
	ICalURL string `json:"icalUrl" validate:"omitempty,url,max=2048"`
}
