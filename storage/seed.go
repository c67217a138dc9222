package storage

import (
	_ "embed"
	"fmt"
	"rentals-server/models"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

//go:embed amenities.yaml
var amenityCatalog []byte

type catalogFile struct {
	Categories []struct {
		Name      string `yaml:"name"`
		Amenities []struct {
			Name string `yaml:"name"`
			Icon string `yaml:"icon"`
		} `yaml:"amenities"`
	} `yaml:"categories"`
}

// SeedAmenities upserts the embedded amenity catalog by name and returns
// how many catalog entries were written.
func SeedAmenities(db *gorm.DB) (int, error) {
	var catalog catalogFile
	if err := yaml.Unmarshal(amenityCatalog, &catalog); err != nil {
		return 0, fmt.Errorf("parse amenity catalog: %w", err)
	}

	written := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, category := range catalog.Categories {
			for order, item := range category.Amenities {
				var amenity models.Amenity
				res := tx.Where("name = ?", item.Name).Limit(1).Find(&amenity)
				if res.Error != nil {
					return res.Error
				}
				amenity.Name = item.Name
				amenity.Icon = item.Icon
				amenity.Category = category.Name
				amenity.SortOrder = order
				if res.RowsAffected == 0 {
					amenity.IsActive = true
				}
				if err := tx.Save(&amenity).Error; err != nil {
					return fmt.Errorf("save amenity %q: %w", item.Name, err)
				}
				written++
			}
		}
		return nil
	})
	return written, err
}
