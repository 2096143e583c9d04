package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PageSize is the geometry of a single rendered blueprint page, expressed in
// the source document's coordinate unit (PDF points).
type PageSize struct {
	Unit   string  `json:"unit"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BlueprintPage is one entry of a blueprint's ordered page list. The list is
// append-only during conversion and frozen once progress reaches 1.
type BlueprintPage struct {
	Rotation int      `json:"rot"`
	Size     PageSize `json:"size"`
}

// Blueprint is the persisted upload + conversion state of one multi-page
// document. Progress and Pages are owned exclusively by the conversion
// worker; only Name is externally mutable after creation.
type Blueprint struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;not null;index" json:"project"`
	Name      string         `gorm:"column:name;not null" json:"name"`
	KeyPrefix string         `gorm:"column:key_prefix;not null" json:"key_prefix"`
	Progress  float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	Pages     datatypes.JSON `gorm:"column:pages;type:jsonb" json:"pages"`
	CreatedBy uuid.UUID      `gorm:"type:uuid;column:created_by;not null" json:"created_by"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Blueprint) TableName() string { return "blueprint" }

// PageList decodes the stored page descriptors. A blueprint fresh out of
// creation has an empty list, not null.
func (b *Blueprint) PageList() ([]BlueprintPage, error) {
	if len(b.Pages) == 0 {
		return []BlueprintPage{}, nil
	}
	var pages []BlueprintPage
	if err := json.Unmarshal(b.Pages, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

func EncodePageList(pages []BlueprintPage) (datatypes.JSON, error) {
	if pages == nil {
		pages = []BlueprintPage{}
	}
	raw, err := json.Marshal(pages)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
