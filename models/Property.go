package models

import (
	"encoding/json"

	"gorm.io/gorm"
)

const (
	PropertyStatusPending  = "pending"
	PropertyStatusApproved = "approved"
	PropertyStatusRejected = "rejected"
)

// Property is a rentable listing. Prices are integer amounts in the currency's minor unit.
type Property struct {
	gorm.Model
	HostID             uint            `json:"hostID" gorm:"index"`
	Title              string          `json:"title"`
	Description        string          `json:"description" gorm:"type:text"`
	PropertyType       string          `json:"propertyType"` // entire_place, private_room, shared_room
	AddressLine1       string          `json:"addressLine1"`
	AddressLine2       string          `json:"addressLine2"`
	City               string          `json:"city" gorm:"index"`
	State              string          `json:"state"`
	Zip                string          `json:"zip"`
	Country            string          `json:"country"`
	Lat                float64         `json:"lat"`
	Lng                float64         `json:"lng"`
	Capacity           int             `json:"capacity"`
	Bedrooms           int             `json:"bedrooms"`
	Beds               int             `json:"beds"`
	Bathrooms          float32         `json:"bathrooms"`
	NightlyPrice       int64           `json:"nightlyPrice"`
	WeekendPrice       int64           `json:"weekendPrice"`
	CleaningFee        int64           `json:"cleaningFee"`
	ServiceFee         int64           `json:"serviceFee"`
	Currency           string          `json:"currency" gorm:"size:3"`
	MinNights          int             `json:"minNights"`
	HouseRules         string          `json:"houseRules" gorm:"type:text"`
	CancellationPolicy string          `json:"cancellationPolicy" gorm:"size:16"` // flexible, moderate, strict
	IsActive           bool            `json:"isActive" gorm:"index"`
	Images             []PropertyImage `json:"images"`
	Amenities          []Amenity       `json:"amenities" gorm:"many2many:property_amenities;"`
	Host               User            `json:"host" gorm:"foreignKey:HostID;references:ID"`

	// Calendar import/export
	ICalURL       string `json:"icalURL" gorm:"column:ical_url"`
	CalendarToken string `json:"-" gorm:"size:64;index"`

	// Admin moderation fields
	Status      string `json:"status" gorm:"type:varchar(20);default:'pending';index"` // pending, approved, rejected
	ReviewNotes string `json:"reviewNotes" gorm:"type:text"`
	IsFlagged   bool   `json:"isFlagged" gorm:"default:false;index"`
	FlagReason  string `json:"flagReason" gorm:"type:text"`
}

// Bookable reports whether guests may see and reserve the listing.
func (p *Property) Bookable() bool {
	return p.IsActive && p.Status == PropertyStatusApproved
}

// MarshalJSON swaps the loaded host for its public summary and keeps
// images and amenities as arrays even when empty.
func (p *Property) MarshalJSON() ([]byte, error) {
	type Alias Property
	aux := &struct {
		Images    []PropertyImage `json:"images"`
		Amenities []Amenity       `json:"amenities"`
		Host      *UserSummary    `json:"host,omitempty"`
		*Alias
	}{
		Images:    p.Images,
		Amenities: p.Amenities,
		Alias:     (*Alias)(p),
	}
	if aux.Images == nil {
		aux.Images = []PropertyImage{}
	}
	if aux.Amenities == nil {
		aux.Amenities = []Amenity{}
	}
	if p.Host.ID > 0 {
		summary := p.Host.Summary()
		aux.Host = &summary
	}
	return json.Marshal(aux)
}

type PropertyImage struct {
	gorm.Model
	PropertyID uint   `json:"propertyID" gorm:"index"`
	URL        string `json:"url"`
	PublicID   string `json:"publicID"`
	Position   int    `json:"position"`
	Caption    string `json:"caption"`
}
