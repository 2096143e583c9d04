package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Project struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"column:name;not null" json:"name"`
	OrgName   string         `gorm:"column:org_name" json:"org_name"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "project" }

// Membership types mirror the role a user holds inside a project. The
// pipeline only ever asks "is this user a member at all"; the role value is
// kept for the surrounding product surface.
const (
	MemberTypeOwner  = "owner"
	MemberTypeMember = "member"
)

type ProjectMember struct {
	ProjectID  uuid.UUID `gorm:"type:uuid;primaryKey" json:"project_id"`
	UserID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	MemberType string    `gorm:"column:member_type;not null;default:'member'" json:"member_type"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (ProjectMember) TableName() string { return "project_member" }
