package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/types"
)

// ErrBlueprintGone is reported by the conversion-owned write paths when the
// guarded update matched no row: the blueprint was soft-deleted (or the
// progress guard tripped) after the worker last read it.
var ErrBlueprintGone = errors.New("blueprint gone or conversion state stale")

type BlueprintRepo interface {
	Create(ctx context.Context, tx *gorm.DB, blueprints []*types.Blueprint) ([]*types.Blueprint, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Blueprint, error)
	GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Blueprint, error)
	UpdateName(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string) error

	// AppendPage and FinishConversion are owned by the conversion worker.
	// Both are conditional updates guarded on the record still being live
	// and on progress never decreasing; a zero-row match surfaces as
	// ErrBlueprintGone.
	AppendPage(ctx context.Context, tx *gorm.DB, id uuid.UUID, page types.BlueprintPage, progress float64) error
	FinishConversion(ctx context.Context, tx *gorm.DB, id uuid.UUID) error

	SoftDeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type blueprintRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlueprintRepo(db *gorm.DB, baseLog *logger.Logger) BlueprintRepo {
	repoLog := baseLog.With("repo", "BlueprintRepo")
	return &blueprintRepo{db: db, log: repoLog}
}

func (r *blueprintRepo) Create(ctx context.Context, tx *gorm.DB, blueprints []*types.Blueprint) ([]*types.Blueprint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(blueprints) == 0 {
		return []*types.Blueprint{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&blueprints).Error; err != nil {
		return nil, err
	}
	return blueprints, nil
}

func (r *blueprintRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Blueprint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var blueprint types.Blueprint
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&blueprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blueprint, nil
}

func (r *blueprintRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Blueprint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Blueprint
	if err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *blueprintRepo) UpdateName(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Blueprint{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":       name,
			"updated_at": time.Now(),
		}).Error
}

func (r *blueprintRepo) AppendPage(ctx context.Context, tx *gorm.DB, id uuid.UUID, page types.BlueprintPage, progress float64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var blueprint types.Blueprint
		err := txx.Where("id = ?", id).First(&blueprint).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBlueprintGone
		}
		if err != nil {
			return err
		}

		pages, err := blueprint.PageList()
		if err != nil {
			return err
		}
		pages = append(pages, page)
		encoded, err := types.EncodePageList(pages)
		if err != nil {
			return err
		}

		res := txx.Model(&types.Blueprint{}).
			Where("id = ? AND progress <= ?", id, progress).
			Updates(map[string]interface{}{
				"pages":      encoded,
				"progress":   progress,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBlueprintGone
		}
		return nil
	})
}

func (r *blueprintRepo) FinishConversion(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	// Forces progress to exactly 1 so page-count division never leaves the
	// record a float tick below complete.
	res := transaction.WithContext(ctx).
		Model(&types.Blueprint{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress":   float64(1),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBlueprintGone
	}
	return nil
}

func (r *blueprintRepo) SoftDeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.Blueprint{}).Error
}
