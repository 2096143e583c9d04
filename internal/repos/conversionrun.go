package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/types"
)

type ConversionRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*types.BlueprintConversionRun) ([]*types.BlueprintConversionRun, error)
	GetByBlueprintID(ctx context.Context, tx *gorm.DB, blueprintID uuid.UUID) (*types.BlueprintConversionRun, error)

	// ClaimNextRunnable claims the next run that is runnable:
	// - status=queued
	// - OR status=running but heartbeat is stale (crash recovery)
	// Failed runs are never re-claimed; a conversion that failed stays
	// failed and the blueprint stays below progress 1.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*types.BlueprintConversionRun, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type conversionRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversionRunRepo(db *gorm.DB, baseLog *logger.Logger) ConversionRunRepo {
	repoLog := baseLog.With("repo", "ConversionRunRepo")
	return &conversionRunRepo{db: db, log: repoLog}
}

func (r *conversionRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.BlueprintConversionRun) ([]*types.BlueprintConversionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*types.BlueprintConversionRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *conversionRunRepo) GetByBlueprintID(ctx context.Context, tx *gorm.DB, blueprintID uuid.UUID) (*types.BlueprintConversionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if blueprintID == uuid.Nil {
		return nil, nil
	}
	var run types.BlueprintConversionRun
	err := transaction.WithContext(ctx).
		Where("blueprint_id = ?", blueprintID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *conversionRunRepo) ClaimNextRunnable(
	ctx context.Context,
	tx *gorm.DB,
	staleRunning time.Duration,
) (*types.BlueprintConversionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.BlueprintConversionRun

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var run types.BlueprintConversionRun

		q := txx
		// Row locking keeps concurrent workers off the same run; sqlite has
		// no FOR UPDATE and serializes writers anyway.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
				(
					status = ?
					OR (
						status = ?
						AND heartbeat_at IS NOT NULL
						AND heartbeat_at < ?
					)
				)
			`, types.ConversionStatusQueued, types.ConversionStatusRunning, staleCutoff).
			Order("created_at ASC")

		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&types.BlueprintConversionRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":       types.ConversionStatusRunning,
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}

		claimed = &run
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *conversionRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.BlueprintConversionRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversionRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.BlueprintConversionRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
