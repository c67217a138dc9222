package routes

import (
	"errors"
	"net/http"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strconv"
	"strings"
	"time"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

const maxAvailabilityWindow = 366

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func bookableScope(db *gorm.DB) *gorm.DB {
	return db.Where("properties.is_active = ? AND properties.status = ?", true, models.PropertyStatusApproved)
}

// ListProperties is the public search over approved, active listings.
func ListProperties(ctx iris.Context) {
	page, perPage := utils.PageParams(ctx)

	q := storage.DB.Model(&models.Property{}).Scopes(bookableScope)

	if s := strings.TrimSpace(ctx.URLParam("q")); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("(lower(properties.title) LIKE ? OR lower(properties.description) LIKE ? OR lower(properties.city) LIKE ?)", like, like, like)
	}
	if city := strings.TrimSpace(ctx.URLParam("city")); city != "" {
		q = q.Where("lower(properties.city) = ?", strings.ToLower(city))
	}
	if guests := ctx.URLParamIntDefault("guests", 0); guests > 0 {
		q = q.Where("properties.capacity >= ?", guests)
	}
	if minPrice, err := ctx.URLParamInt64("min_price"); err == nil && minPrice > 0 {
		q = q.Where("properties.nightly_price >= ?", minPrice)
	}
	if maxPrice, err := ctx.URLParamInt64("max_price"); err == nil && maxPrice > 0 {
		q = q.Where("properties.nightly_price <= ?", maxPrice)
	}

	amenityIDs, err := parseIDList(ctx.URLParam("amenities"))
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_amenities", "amenities must be a comma separated id list")
		return
	}
	for _, id := range amenityIDs {
		q = q.Where("EXISTS (SELECT 1 FROM property_amenities pa WHERE pa.property_id = properties.id AND pa.amenity_id = ?)", id)
	}

	if ctx.URLParamExists("check_in") || ctx.URLParamExists("check_out") {
		checkIn, checkOut, ok := readStay(ctx, ctx.URLParam("check_in"), ctx.URLParam("check_out"))
		if !ok {
			return
		}
		q = q.Where("NOT EXISTS (SELECT 1 FROM reservations r WHERE r.property_id = properties.id AND r.deleted_at IS NULL AND r.status = ? AND r.check_in < ? AND r.check_out > ?)",
			models.ReservationConfirmed, checkOut, checkIn).
			Where("NOT EXISTS (SELECT 1 FROM property_blocks b WHERE b.property_id = properties.id AND b.deleted_at IS NULL AND b.start_date < ? AND b.end_date > ?)",
				checkOut, checkIn)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	switch ctx.URLParamDefault("sort", "newest") {
	case "price_asc":
		q = q.Order("properties.nightly_price ASC, properties.id ASC")
	case "price_desc":
		q = q.Order("properties.nightly_price DESC, properties.id DESC")
	default:
		q = q.Order("properties.created_at DESC, properties.id DESC")
	}

	properties := []models.Property{}
	err = q.Preload("Images", orderByPosition).
		Preload("Amenities").
		Offset(utils.Offset(page, perPage)).
		Limit(perPage).
		Find(&properties).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.JSONPage(ctx, properties, page, perPage, total)
}

func GetProperty(ctx iris.Context) {
	property := getBookableProperty(ctx, true)
	if property == nil {
		return
	}
	ctx.JSON(property)
}

// GetPropertyAvailability lists the unavailable nights in [from, to).
func GetPropertyAvailability(ctx iris.Context) {
	property := getBookableProperty(ctx, false)
	if property == nil {
		return
	}

	today := services.NormalizeDate(time.Now())
	from, to := today, today.AddDate(0, 0, 90)
	var err error
	if v := ctx.URLParam("from"); v != "" {
		if from, err = services.ParseDay(v); err != nil {
			utils.JSONError(ctx, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
	}
	if v := ctx.URLParam("to"); v != "" {
		if to, err = services.ParseDay(v); err != nil {
			utils.JSONError(ctx, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
			return
		}
	}
	if !to.After(from) || services.NightsBetween(from, to) > maxAvailabilityWindow {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_range", "to must be after from and within a year")
		return
	}

	nights, err := services.UnavailableNights(storage.DB, property.ID, from, to)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.JSON(iris.Map{
		"propertyID":  property.ID,
		"from":        from.Format(services.DayLayout),
		"to":          to.Format(services.DayLayout),
		"unavailable": nights,
	})
}

func QuoteProperty(ctx iris.Context) {
	property := getBookableProperty(ctx, false)
	if property == nil {
		return
	}

	var input QuoteInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	checkIn, checkOut, ok := readStay(ctx, input.CheckIn, input.CheckOut)
	if !ok {
		return
	}

	quote, err := services.QuoteStay(property, checkIn, checkOut, input.Guests)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	available := true
	if err := services.CheckAvailability(storage.DB, property.ID, checkIn, checkOut, 0); err != nil {
		if !errors.Is(err, services.ErrDatesUnavailable) {
			respondServiceError(ctx, err)
			return
		}
		available = false
	}

	ctx.JSON(iris.Map{"quote": quote, "available": available})
}

// ListAmenities returns the active amenities grouped by category.
func ListAmenities(ctx iris.Context) {
	var amenities []models.Amenity
	err := storage.DB.Where("is_active = ?", true).
		Order("category ASC, sort_order ASC, name ASC").
		Find(&amenities).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}
	ctx.JSON(models.GroupAmenities(amenities))
}

func Sitemap(ctx iris.Context) {
	body, err := services.BuildSitemap(storage.DB, config.App.FrontendURL)
	if err != nil {
		logging.Log.WithError(err).Error("build sitemap")
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	ctx.ContentType("application/xml; charset=utf-8")
	ctx.Write(body)
}

// getBookableProperty loads the {id} property and answers 404 unless guests
// may see it. withDetails preloads images, amenities and the host.
func getBookableProperty(ctx iris.Context, withDetails bool) *models.Property {
	id, ok := paramID(ctx, "id")
	if !ok {
		return nil
	}

	q := storage.DB.Scopes(bookableScope)
	if withDetails {
		q = q.Preload("Images", orderByPosition).Preload("Amenities").Preload("Host")
	}

	var property models.Property
	if err := q.First(&property, id).Error; err != nil {
		respondServiceError(ctx, err)
		return nil
	}
	return &property
}

// readStay parses a check-in and check-out pair and answers 400 when it is
// malformed or empty.
func readStay(ctx iris.Context, rawIn, rawOut string) (time.Time, time.Time, bool) {
	checkIn, err := services.ParseDay(rawIn)
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_date", "checkIn must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	checkOut, err := services.ParseDay(rawOut)
	if err != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_date", "checkOut must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	if !checkOut.After(checkIn) {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_stay", services.ErrInvalidStay.Error())
		return time.Time{}, time.Time{}, false
	}
	return checkIn, checkOut, true
}

func parseIDList(raw string) ([]uint, error) {
	ids := []uint{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil || id == 0 {
			return nil, errors.New("invalid id " + part)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

type QuoteInput struct {
	CheckIn  string `json:"checkIn" validate:"required"`
	CheckOut string `json:"checkOut" validate:"required"`
	Guests   int    `json:"guests" validate:"gte=0"`
}
