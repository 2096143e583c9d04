package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ConversionStatusQueued    = "queued"
	ConversionStatusRunning   = "running"
	ConversionStatusSucceeded = "succeeded"
	ConversionStatusFailed    = "failed"
)

// BlueprintConversionRun is the queue row backing one blueprint's
// conversion. The unique index on BlueprintID plus the claim transaction in
// the repo give each blueprint at most one writer for its whole lifetime.
type BlueprintConversionRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BlueprintID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"blueprint_id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	CreatorID   uuid.UUID      `gorm:"type:uuid;not null" json:"creator_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	PagesDone   int            `gorm:"column:pages_done;not null;default:0" json:"pages_done"`
	PageCount   int            `gorm:"column:page_count;not null;default:0" json:"page_count"`
	Error       string         `gorm:"column:error" json:"error"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (BlueprintConversionRun) TableName() string { return "blueprint_conversion_run" }
