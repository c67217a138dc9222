package routes

import (
	"errors"
	"net/http"
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

type AmenityInput struct {
	Name      string `json:"name" validate:"required,max=100"`
	Icon      string `json:"icon" validate:"max=64"`
	Category  string `json:"category" validate:"required,max=64"`
	SortOrder int    `json:"sortOrder"`
}

type AmenityUpdateInput struct {
	Name      *string `json:"name" validate:"omitempty,min=1,max=100"`
	Icon      *string `json:"icon" validate:"omitempty,max=64"`
	Category  *string `json:"category" validate:"omitempty,min=1,max=64"`
	SortOrder *int    `json:"sortOrder"`
	IsActive  *bool   `json:"isActive"`
}

// GET /admin/amenities lists every amenity, inactive ones included.
func AdminListAmenities(ctx iris.Context) {
	amenities := []models.Amenity{}
	if err := storage.DB.Order("category ASC, sort_order ASC, name ASC").Find(&amenities).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.JSONData(ctx, amenities)
}

func AdminCreateAmenity(ctx iris.Context) {
	var in AmenityInput
	if err := ctx.ReadJSON(&in); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	in.Name = strings.TrimSpace(in.Name)

	if taken, err := amenityNameTaken(in.Name, 0); err != nil {
		respondServiceError(ctx, err)
		return
	} else if taken {
		utils.JSONError(ctx, http.StatusConflict, "conflict", "an amenity with that name already exists")
		return
	}

	amenity := models.Amenity{
		Name:      in.Name,
		Icon:      in.Icon,
		Category:  in.Category,
		SortOrder: in.SortOrder,
		IsActive:  true,
	}
	if err := storage.DB.Create(&amenity).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "amenity.create", "amenity", amenity.ID, nil, amenity)
	ctx.StatusCode(iris.StatusCreated)
	utils.JSONData(ctx, amenity)
}

func AdminUpdateAmenity(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}
	var in AmenityUpdateInput
	if err := ctx.ReadJSON(&in); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var amenity models.Amenity
	if err := storage.DB.First(&amenity, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	before := amenity

	u := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		taken, err := amenityNameTaken(name, amenity.ID)
		if err != nil {
			respondServiceError(ctx, err)
			return
		}
		if taken {
			utils.JSONError(ctx, http.StatusConflict, "conflict", "an amenity with that name already exists")
			return
		}
		u["name"] = name
	}
	if in.Icon != nil {
		u["icon"] = *in.Icon
	}
	if in.Category != nil {
		u["category"] = *in.Category
	}
	if in.SortOrder != nil {
		u["sort_order"] = *in.SortOrder
	}
	if in.IsActive != nil {
		u["is_active"] = *in.IsActive
	}
	if len(u) > 0 {
		if err := storage.DB.Model(&models.Amenity{}).Where("id = ?", amenity.ID).Updates(u).Error; err != nil {
			respondServiceError(ctx, err)
			return
		}
	}

	if err := storage.DB.First(&amenity, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	utils.Audit(ctx, "amenity.update", "amenity", amenity.ID, before, amenity)
	utils.JSONData(ctx, amenity)
}

// AdminDeleteAmenity removes the amenity from every listing, then deletes it.
func AdminDeleteAmenity(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var amenity models.Amenity
	if err := storage.DB.First(&amenity, id).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM property_amenities WHERE amenity_id = ?", amenity.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Amenity{}, amenity.ID).Error
	})
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "amenity.delete", "amenity", amenity.ID, amenity, nil)
	ctx.StatusCode(iris.StatusNoContent)
}

// AdminSetPropertyAmenities replaces the listing's amenity set.
func AdminSetPropertyAmenities(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var in struct {
		AmenityIDs []uint `json:"amenityIDs"`
	}
	if err := ctx.ReadJSON(&in); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	amenities := []models.Amenity{}
	if len(in.AmenityIDs) > 0 {
		if err := storage.DB.Where("id IN ?", in.AmenityIDs).Find(&amenities).Error; err != nil {
			respondServiceError(ctx, err)
			return
		}
		if len(amenities) != len(uniqueIDs(in.AmenityIDs)) {
			utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_amenities", "unknown amenity id")
			return
		}
	}

	var before []models.Amenity
	if err := storage.DB.Model(prop).Association("Amenities").Find(&before); err != nil {
		respondServiceError(ctx, err)
		return
	}
	if err := storage.DB.Model(prop).Association("Amenities").Replace(amenities); err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.amenities", "property", prop.ID, amenityNames(before), amenityNames(amenities))
	utils.JSONData(ctx, amenities)
}

func amenityNameTaken(name string, exceptID uint) (bool, error) {
	var existing models.Amenity
	err := storage.DB.Where("LOWER(name) = LOWER(?) AND id <> ?", name, exceptID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func amenityNames(amenities []models.Amenity) []string {
	names := make([]string, 0, len(amenities))
	for _, a := range amenities {
		names = append(names, a.Name)
	}
	return names
}

func uniqueIDs(ids []uint) map[uint]struct{} {
	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
