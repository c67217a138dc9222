package models

import (
	"time"
)

// Amenity is a feature a listing can offer, grouped by Category for display.
type Amenity struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"size:100;uniqueIndex"`
	Icon      string    `json:"icon" gorm:"size:64"` // Phosphor icon name
	Category  string    `json:"category" gorm:"size:64;index"`
	IsActive  bool      `json:"is_active"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AmenityGroup is one category of amenities as returned to clients.
type AmenityGroup struct {
	Category  string    `json:"category"`
	Amenities []Amenity `json:"amenities"`
}

// GroupAmenities keeps the input order inside each category and orders
// categories by first appearance.
func GroupAmenities(amenities []Amenity) []AmenityGroup {
	groups := []AmenityGroup{}
	index := map[string]int{}
	for _, a := range amenities {
		i, ok := index[a.Category]
		if !ok {
			i = len(groups)
			index[a.Category] = i
			groups = append(groups, AmenityGroup{Category: a.Category})
		}
		groups[i].Amenities = append(groups[i].Amenities, a)
	}
	return groups
}
