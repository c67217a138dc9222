package routes

import (
	"net/http"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
)

// GET /admin/properties
func AdminListProperties(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)

	status := ctx.URLParamDefault("status", "")
	search := strings.TrimSpace(ctx.URLParamDefault("search", ""))
	hostID := ctx.URLParamDefault("host_id", "")
	createdFrom := ctx.URLParamDefault("created_from", "")
	createdTo := ctx.URLParamDefault("created_to", "")

	q := storage.DB.Model(&models.Property{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if hostID != "" {
		q = q.Where("host_id = ?", hostID)
	}
	if search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("(lower(title) LIKE ? OR lower(description) LIKE ? OR lower(city) LIKE ?)", like, like, like)
	}
	if ctx.URLParamDefault("flagged", "") == "true" {
		q = q.Where("is_flagged = ?", true)
	}
	if createdFrom != "" {
		if t, err := time.Parse(time.RFC3339, createdFrom); err == nil {
			q = q.Where("created_at >= ?", t)
		}
	}
	if createdTo != "" {
		if t, err := time.Parse(time.RFC3339, createdTo); err == nil {
			q = q.Where("created_at <= ?", t)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	props := []models.Property{}
	if err := q.Preload("Host").Preload("Images", orderByPosition).Offset(utils.Offset(page, perPage)).Limit(perPage).Order("created_at DESC").Find(&props).Error; err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	utils.JSONPage(ctx, props, page, perPage, total)
}

// GET /admin/properties/:id
func AdminGetProperty(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var prop models.Property
	err := storage.DB.Preload("Host").
		Preload("Images", orderByPosition).
		Preload("Amenities").
		First(&prop, id).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	blocks := []models.PropertyBlock{}
	storage.DB.Where("property_id = ?", prop.ID).Order("start_date ASC").Find(&blocks)

	ctx.JSON(iris.Map{
		"data": iris.Map{
			"property":      &prop,
			"blocks":        blocks,
			"calendarToken": prop.CalendarToken,
		},
		"meta":  iris.Map{},
		"links": iris.Map{},
	})
}

// POST /admin/properties creates an approved listing on behalf of a host.
func AdminCreateProperty(ctx iris.Context) {
	var input PropertyInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var host models.User
	if err := storage.DB.Select("id").First(&host, input.HostID).Error; err != nil {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_host", "host does not exist")
		return
	}

	prop := models.Property{
		HostID:        host.ID,
		Status:        models.PropertyStatusApproved,
		IsActive:      true,
		CalendarToken: uuid.NewString(),
	}
	input.apply(&prop)
	if prop.Currency == "" {
		prop.Currency = config.App.Currency
	}
	if prop.CancellationPolicy == "" {
		prop.CancellationPolicy = "moderate"
	}
	if input.IsActive != nil {
		prop.IsActive = *input.IsActive
	}

	if err := storage.DB.Create(&prop).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.create", "property", prop.ID, nil, &prop)
	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(iris.Map{"data": &prop})
}

// PATCH /admin/properties/:id
func AdminUpdateProperty(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var input PropertyUpdateInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	updates := input.updates()
	if len(updates) == 0 {
		utils.JSONError(ctx, http.StatusBadRequest, "empty_update", "nothing to update")
		return
	}

	before := *prop
	if err := storage.DB.Model(&models.Property{}).Where("id = ?", prop.ID).Updates(updates).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	var after models.Property
	if err := storage.DB.First(&after, prop.ID).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.update", "property", prop.ID, &before, &after)
	ctx.JSON(iris.Map{"data": &after})
}

// DELETE /admin/properties/:id soft-deletes the listing and cancels its
// pending requests.
func AdminDeleteProperty(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var pending []models.Reservation
	if err := storage.DB.Where("property_id = ? AND status = ?", prop.ID, models.ReservationPending).Find(&pending).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	now := time.Now().UTC()
	cancelled := 0
	for _, r := range pending {
		if _, err := services.CancelReservation(r.ID, "Listing removed", now); err != nil {
			logging.Log.WithField("reservation", r.ID).WithError(err).Error("cancel reservation of deleted listing")
			continue
		}
		cancelled++
	}

	if err := storage.DB.Delete(&models.Property{}, prop.ID).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.delete", "property", prop.ID, prop, iris.Map{"cancelledReservations": cancelled})
	ctx.JSON(iris.Map{"deleted": true, "cancelledReservations": cancelled})
}

// PATCH /admin/properties/:id/status {status, note}
func AdminUpdatePropertyStatus(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := ctx.ReadJSON(&body); err != nil || !validPropertyStatus(body.Status) {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_payload", "status must be pending, approved or rejected")
		return
	}

	before := *prop
	err := storage.DB.Model(&models.Property{}).Where("id = ?", prop.ID).
		Updates(map[string]interface{}{"status": body.Status, "review_notes": body.Note}).Error
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	prop.Status = body.Status
	prop.ReviewNotes = body.Note
	utils.Audit(ctx, "property.status_update", "property", prop.ID, &before, prop)

	if before.Status != prop.Status {
		services.NewNotificationService().PropertyStatusChanged(prop)
	}

	ctx.JSON(iris.Map{"data": prop})
}

// POST /admin/properties/:id/flag { reason }
func AdminFlagProperty(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := ctx.ReadJSON(&body); err != nil || strings.TrimSpace(body.Reason) == "" {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_payload", "reason required")
		return
	}

	before := *prop
	err := storage.DB.Model(&models.Property{}).Where("id = ?", prop.ID).
		Updates(map[string]interface{}{"is_flagged": true, "flag_reason": body.Reason}).Error
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	prop.IsFlagged = true
	prop.FlagReason = body.Reason

	utils.Audit(ctx, "property.flag", "property", prop.ID, &before, prop)
	ctx.JSON(iris.Map{"data": prop})
}

func validPropertyStatus(s string) bool {
	switch s {
	case models.PropertyStatusPending, models.PropertyStatusApproved, models.PropertyStatusRejected:
		return true
	}
	return false
}

// PropertyInput is the full listing payload used on create.
type PropertyInput struct {
	HostID             uint    `json:"hostID" validate:"required"`
	Title              string  `json:"title" validate:"required,max=200"`
	Description        string  `json:"description" validate:"max=10000"`
	PropertyType       string  `json:"propertyType" validate:"omitempty,oneof=entire_place private_room shared_room"`
	AddressLine1       string  `json:"addressLine1" validate:"max=256"`
	AddressLine2       string  `json:"addressLine2" validate:"max=256"`
	City               string  `json:"city" validate:"required,max=128"`
	State              string  `json:"state" validate:"max=128"`
	Zip                string  `json:"zip" validate:"max=32"`
	Country            string  `json:"country" validate:"max=64"`
	Lat                float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng                float64 `json:"lng" validate:"gte=-180,lte=180"`
	Capacity           int     `json:"capacity" validate:"gte=0"`
	Bedrooms           int     `json:"bedrooms" validate:"gte=0"`
	Beds               int     `json:"beds" validate:"gte=0"`
	Bathrooms          float32 `json:"bathrooms" validate:"gte=0"`
	NightlyPrice       int64   `json:"nightlyPrice" validate:"required,gt=0"`
	WeekendPrice       int64   `json:"weekendPrice" validate:"gte=0"`
	CleaningFee        int64   `json:"cleaningFee" validate:"gte=0"`
	ServiceFee         int64   `json:"serviceFee" validate:"gte=0"`
	Currency           string  `json:"currency" validate:"omitempty,len=3"`
	MinNights          int     `json:"minNights" validate:"gte=0"`
	HouseRules         string  `json:"houseRules" validate:"max=10000"`
	CancellationPolicy string  `json:"cancellationPolicy" validate:"omitempty,oneof=flexible moderate strict"`
	ICalURL            string  `json:"icalURL" validate:"omitempty,url"`
	IsActive           *bool   `json:"isActive"`
}

func (in *PropertyInput) apply(p *models.Property) {
	p.Title = in.Title
	p.Description = in.Description
	p.PropertyType = in.PropertyType
	p.AddressLine1 = in.AddressLine1
	p.AddressLine2 = in.AddressLine2
	p.City = in.City
	p.State = in.State
	p.Zip = in.Zip
	p.Country = in.Country
	p.Lat = in.Lat
	p.Lng = in.Lng
	p.Capacity = in.Capacity
	p.Bedrooms = in.Bedrooms
	p.Beds = in.Beds
	p.Bathrooms = in.Bathrooms
	p.NightlyPrice = in.NightlyPrice
	p.WeekendPrice = in.WeekendPrice
	p.CleaningFee = in.CleaningFee
	p.ServiceFee = in.ServiceFee
	p.Currency = strings.ToLower(in.Currency)
	p.MinNights = in.MinNights
	p.HouseRules = in.HouseRules
	p.CancellationPolicy = in.CancellationPolicy
	p.ICalURL = in.ICalURL
}

// PropertyUpdateInput only touches the fields that are present.
type PropertyUpdateInput struct {
	HostID             *uint    `json:"hostID"`
	Title              *string  `json:"title" validate:"omitempty,min=1,max=200"`
	Description        *string  `json:"description" validate:"omitempty,max=10000"`
	PropertyType       *string  `json:"propertyType" validate:"omitempty,oneof=entire_place private_room shared_room"`
	AddressLine1       *string  `json:"addressLine1"`
	AddressLine2       *string  `json:"addressLine2"`
	City               *string  `json:"city" validate:"omitempty,min=1,max=128"`
	State              *string  `json:"state"`
	Zip                *string  `json:"zip"`
	Country            *string  `json:"country"`
	Lat                *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lng                *float64 `json:"lng" validate:"omitempty,gte=-180,lte=180"`
	Capacity           *int     `json:"capacity" validate:"omitempty,gte=0"`
	Bedrooms           *int     `json:"bedrooms" validate:"omitempty,gte=0"`
	Beds               *int     `json:"beds" validate:"omitempty,gte=0"`
	Bathrooms          *float32 `json:"bathrooms" validate:"omitempty,gte=0"`
	NightlyPrice       *int64   `json:"nightlyPrice" validate:"omitempty,gt=0"`
	WeekendPrice       *int64   `json:"weekendPrice" validate:"omitempty,gte=0"`
	CleaningFee        *int64   `json:"cleaningFee" validate:"omitempty,gte=0"`
	ServiceFee         *int64   `json:"serviceFee" validate:"omitempty,gte=0"`
	Currency           *string  `json:"currency" validate:"omitempty,len=3"`
	MinNights          *int     `json:"minNights" validate:"omitempty,gte=0"`
	HouseRules         *string  `json:"houseRules"`
	CancellationPolicy *string  `json:"cancellationPolicy" validate:"omitempty,oneof=flexible moderate strict"`
	IsActive           *bool    `json:"isActive"`
}

func (in *PropertyUpdateInput) updates() map[string]interface{} {
	u := map[string]interface{}{}
	if in.HostID != nil {
		u["host_id"] = *in.HostID
	}
	if in.Title != nil {
		u["title"] = *in.Title
	}
	if in.Description != nil {
		u["description"] = *in.Description
	}
	if in.PropertyType != nil {
		u["property_type"] = *in.PropertyType
	}
	if in.AddressLine1 != nil {
		u["address_line1"] = *in.AddressLine1
	}
	if in.AddressLine2 != nil {
		u["address_line2"] = *in.AddressLine2
	}
	if in.City != nil {
		u["city"] = *in.City
	}
	if in.State != nil {
		u["state"] = *in.State
	}
	if in.Zip != nil {
		u["zip"] = *in.Zip
	}
	if in.Country != nil {
		u["country"] = *in.Country
	}
	if in.Lat != nil {
		u["lat"] = *in.Lat
	}
	if in.Lng != nil {
		u["lng"] = *in.Lng
	}
	if in.Capacity != nil {
		u["capacity"] = *in.Capacity
	}
	if in.Bedrooms != nil {
		u["bedrooms"] = *in.Bedrooms
	}
	if in.Beds != nil {
		u["beds"] = *in.Beds
	}
	if in.Bathrooms != nil {
		u["bathrooms"] = *in.Bathrooms
	}
	if in.NightlyPrice != nil {
		u["nightly_price"] = *in.NightlyPrice
	}
	if in.WeekendPrice != nil {
		u["weekend_price"] = *in.WeekendPrice
	}
	if in.CleaningFee != nil {
		u["cleaning_fee"] = *in.CleaningFee
	}
	if in.ServiceFee != nil {
		u["service_fee"] = *in.ServiceFee
	}
	if in.Currency != nil {
		u["currency"] = strings.ToLower(*in.Currency)
	}
	if in.MinNights != nil {
		u["min_nights"] = *in.MinNights
	}
	if in.HouseRules != nil {
		u["house_rules"] = *in.HouseRules
	}
	if in.CancellationPolicy != nil {
		u["cancellation_policy"] = *in.CancellationPolicy
	}
	if in.IsActive != nil {
		u["is_active"] = *in.IsActive
	}
	return u
}
