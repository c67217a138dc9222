package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is an append-only record of an admin mutation.
type AuditLog struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	ActorID      uint           `json:"actorID" gorm:"index;not null"`
	ActorRole    string         `json:"actorRole" gorm:"size:20"`
	Action       string         `json:"action" gorm:"size:64;index"`
	ResourceType string         `json:"resourceType" gorm:"size:64;index"`
	ResourceID   uint           `json:"resourceID" gorm:"index"`
	Before       datatypes.JSON `json:"before"`
	After        datatypes.JSON `json:"after"`
	IPAddress    string         `json:"ipAddress" gorm:"size:64"`
	CreatedAt    time.Time      `json:"createdAt"`
}
