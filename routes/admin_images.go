package routes

import (
	"fmt"
	"net/http"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"golang.org/x/exp/slices"
	"gorm.io/gorm"
)

type uploadImageInput struct {
	Data    string `json:"data" validate:"required"` // base64 data URL or raw base64
	Caption string `json:"caption" validate:"max=255"`
}

// AdminUploadPropertyImage stores the image with the image host and appends
// it after the listing's last image.
func AdminUploadPropertyImage(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var in uploadImageInput
	if err := ctx.ReadJSON(&in); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	publicID := fmt.Sprintf("properties/%d/%s", prop.ID, uuid.NewString())
	uploaded, err := storage.Images.Upload(ctx.Request().Context(), in.Data, publicID)
	if err != nil {
		logging.Log.WithField("property", prop.ID).WithError(err).Error("image upload failed")
		utils.JSONError(ctx, http.StatusBadGateway, "upload_failed", "image upload failed")
		return
	}

	image := models.PropertyImage{
		PropertyID: prop.ID,
		URL:        uploaded.URL,
		PublicID:   uploaded.PublicID,
		Caption:    in.Caption,
	}
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&models.PropertyImage{}).
			Where("property_id = ?", prop.ID).
			Select("COALESCE(MAX(position), -1)").
			Scan(&last).Error; err != nil {
			return err
		}
		image.Position = last + 1
		return tx.Create(&image).Error
	})
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.image_upload", "property", prop.ID, nil, image)
	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(iris.Map{"data": image})
}

// AdminDeletePropertyImage removes the image and closes the gap in positions.
// A failure at the image host is logged only.
func AdminDeletePropertyImage(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}
	imageID, ok := paramID(ctx, "imageID")
	if !ok {
		return
	}

	var image models.PropertyImage
	if err := storage.DB.Where("id = ? AND property_id = ?", imageID, prop.ID).First(&image).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	if image.PublicID != "" {
		if err := storage.Images.Delete(ctx.Request().Context(), image.PublicID); err != nil {
			logging.Log.WithField("image", image.ID).WithError(err).Warn("image host delete failed")
		}
	}

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Delete(&models.PropertyImage{}, image.ID).Error; err != nil {
			return err
		}
		var remaining []models.PropertyImage
		if err := tx.Where("property_id = ?", prop.ID).Order("position ASC, id ASC").Find(&remaining).Error; err != nil {
			return err
		}
		return writePositions(tx, remaining)
	})
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.image_delete", "property", prop.ID, image, nil)
	ctx.StatusCode(iris.StatusNoContent)
}

// AdminReorderPropertyImages applies a new order. The ids must be exactly the
// listing's current images.
func AdminReorderPropertyImages(ctx iris.Context) {
	prop := adminProperty(ctx)
	if prop == nil {
		return
	}

	var in struct {
		ImageIDs []uint `json:"imageIDs"`
	}
	if err := ctx.ReadJSON(&in); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var images []models.PropertyImage
	if err := storage.DB.Where("property_id = ?", prop.ID).Order("position ASC, id ASC").Find(&images).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	if !isPermutation(images, in.ImageIDs) {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_order", "imageIDs must list every image of the property exactly once")
		return
	}

	byID := make(map[uint]models.PropertyImage, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}
	ordered := make([]models.PropertyImage, 0, len(in.ImageIDs))
	for _, id := range in.ImageIDs {
		ordered = append(ordered, byID[id])
	}

	if err := storage.DB.Transaction(func(tx *gorm.DB) error { return writePositions(tx, ordered) }); err != nil {
		respondServiceError(ctx, err)
		return
	}

	utils.Audit(ctx, "property.image_reorder", "property", prop.ID, imageIDs(images), in.ImageIDs)
	ctx.JSON(iris.Map{"data": ordered})
}

// writePositions numbers images 0..n-1 in slice order.
func writePositions(tx *gorm.DB, images []models.PropertyImage) error {
	for i := range images {
		if images[i].Position == i {
			continue
		}
		if err := tx.Model(&models.PropertyImage{}).Where("id = ?", images[i].ID).Update("position", i).Error; err != nil {
			return err
		}
		images[i].Position = i
	}
	return nil
}

func imageIDs(images []models.PropertyImage) []uint {
	ids := make([]uint, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return ids
}

func isPermutation(images []models.PropertyImage, ids []uint) bool {
	if len(images) != len(ids) {
		return false
	}
	current := imageIDs(images)
	wanted := slices.Clone(ids)
	slices.Sort(current)
	slices.Sort(wanted)
	return slices.Equal(current, wanted)
}
