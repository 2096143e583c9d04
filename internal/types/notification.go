package types

import (
	"time"

	"github.com/google/uuid"
)

const NotificationTypeBlueprintCreate = "projects.blueprints.create"

// Notification is the durable record of a strong notification. Ephemeral
// progress ticks are never written here; only terminal events that must
// survive a missed connection are.
type Notification struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type        string    `gorm:"column:type;not null;index" json:"type"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index" json:"project"`
	BlueprintID uuid.UUID `gorm:"type:uuid;column:blueprint_id" json:"blueprint"`
	CreatorID   uuid.UUID `gorm:"type:uuid;column:creator_id;not null" json:"creator"`
	Strong      bool      `gorm:"column:strong;not null;default:false" json:"strong"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

func (Notification) TableName() string { return "notification" }
