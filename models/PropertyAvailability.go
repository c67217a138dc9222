package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	BlockSourceManual = "manual"
	BlockSourceICal   = "ical"
)

// PropertyBlock marks [StartDate, EndDate) as unavailable. Dates are UTC midnights.
type PropertyBlock struct {
	gorm.Model
	PropertyID  uint      `json:"propertyID" gorm:"not null;index"`
	StartDate   time.Time `json:"startDate" gorm:"not null"`
	EndDate     time.Time `json:"endDate" gorm:"not null"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source" gorm:"size:16;index"` // manual, ical
	ExternalUID string    `json:"externalUID" gorm:"size:255"`
}
