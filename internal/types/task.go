package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskLocation pins a task to a coordinate on one page of a blueprint. It is
// a weak reference: no database-level foreign key, but its existence blocks
// deletion of the referenced blueprint.
type TaskLocation struct {
	BlueprintID uuid.UUID `json:"blueprint"`
	PageNumber  int       `json:"page_number"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
}

type Task struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project"`
	Description string         `gorm:"column:description" json:"description"`
	AuthorID    uuid.UUID      `gorm:"type:uuid;column:author_id;not null" json:"author"`
	Number      int            `gorm:"column:number;not null" json:"number"`
	Closed      bool           `gorm:"column:closed;not null;default:false" json:"closed"`
	Important   bool           `gorm:"column:important;not null;default:false" json:"important"`
	Deadline    *time.Time     `gorm:"column:deadline" json:"deadline,omitempty"`

	// Location is flattened into nullable columns so the blueprint relation
	// can be filtered in plain SQL on both postgres and sqlite.
	LocationBlueprintID *uuid.UUID `gorm:"type:uuid;column:location_blueprint_id;index" json:"-"`
	LocationPageNumber  *int       `gorm:"column:location_page_number" json:"-"`
	LocationX           *float64   `gorm:"column:location_x" json:"-"`
	LocationY           *float64   `gorm:"column:location_y" json:"-"`

	Location *TaskLocation `gorm:"-" json:"location_on_blueprint,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "task" }

func (t *Task) BeforeSave(tx *gorm.DB) error {
	if t.Location != nil {
		bp := t.Location.BlueprintID
		page := t.Location.PageNumber
		x := t.Location.X
		y := t.Location.Y
		t.LocationBlueprintID = &bp
		t.LocationPageNumber = &page
		t.LocationX = &x
		t.LocationY = &y
	}
	return nil
}

func (t *Task) AfterFind(tx *gorm.DB) error {
	if t.LocationBlueprintID == nil {
		t.Location = nil
		return nil
	}
	loc := TaskLocation{BlueprintID: *t.LocationBlueprintID}
	if t.LocationPageNumber != nil {
		loc.PageNumber = *t.LocationPageNumber
	}
	if t.LocationX != nil {
		loc.X = *t.LocationX
	}
	if t.LocationY != nil {
		loc.Y = *t.LocationY
	}
	t.Location = &loc
	return nil
}
