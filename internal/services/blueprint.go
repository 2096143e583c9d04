package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/types"
)

var (
	ErrBlueprintNotFound = errors.New("blueprint not found")

	// ErrExistingRelativeTasks blocks deletion while any task is still
	// located on one of the blueprint's pages.
	ErrExistingRelativeTasks = errors.New("existingRelativeTasks")
)

type BlueprintService interface {
	// CreateFromUpload validates the uploaded document, creates the record
	// with progress 0 and an empty page list, stores the source bytes and
	// enqueues the conversion run. It returns as soon as the record is
	// committed; it never waits for the conversion itself.
	CreateFromUpload(ctx context.Context, projectID, creatorID uuid.UUID, filename, declaredMimeType string, data []byte) (*types.Blueprint, error)

	Get(ctx context.Context, id uuid.UUID) (*types.Blueprint, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*types.Blueprint, error)
	Rename(ctx context.Context, id uuid.UUID, name string) error

	// Delete soft-deletes the record after the referential-integrity check
	// and schedules removal of the blob footprint under the key prefix.
	Delete(ctx context.Context, blueprint *types.Blueprint) error

	ListTasksOn(ctx context.Context, blueprintID uuid.UUID) ([]*types.Task, error)

	// PageAssets resolves the converted pages to their public image and
	// thumbnail URLs, in page order. Pages still pending conversion are
	// absent from the result.
	PageAssets(blueprint *types.Blueprint) ([]BlueprintPageAsset, error)

	// WaitForConversion polls the record until progress reaches 1 or ctx
	// expires. Clients with a realtime channel subscribe to the terminal
	// notification instead; this is the fallback for those without one.
	WaitForConversion(ctx context.Context, id uuid.UUID) (*types.Blueprint, error)
}

type blueprintService struct {
	db  *gorm.DB
	log *logger.Logger

	blueprintRepo repos.BlueprintRepo
	taskRepo      repos.TaskRepo

	bucket     BucketService
	pdf        PDFService
	conversion ConversionService
}

func NewBlueprintService(
	db *gorm.DB,
	baseLog *logger.Logger,
	blueprintRepo repos.BlueprintRepo,
	taskRepo repos.TaskRepo,
	bucket BucketService,
	pdf PDFService,
	conversion ConversionService,
) BlueprintService {
	return &blueprintService{
		db:            db,
		log:           baseLog.With("service", "BlueprintService"),
		blueprintRepo: blueprintRepo,
		taskRepo:      taskRepo,
		bucket:        bucket,
		pdf:           pdf,
		conversion:    conversion,
	}
}

func (bs *blueprintService) CreateFromUpload(ctx context.Context, projectID, creatorID uuid.UUID, filename, declaredMimeType string, data []byte) (*types.Blueprint, error) {
	if err := bs.pdf.ValidateBlueprintUpload(data, declaredMimeType); err != nil {
		return nil, err
	}

	now := time.Now()
	emptyPages, err := types.EncodePageList(nil)
	if err != nil {
		return nil, err
	}

	blueprint := &types.Blueprint{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      nameFromFilename(filename),
		Progress:  0,
		Pages:     emptyPages,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	blueprint.KeyPrefix = fmt.Sprintf("blueprints/%s/%s", projectID, blueprint.ID)

	// The source object must exist before the run row is visible to the
	// worker, so the upload happens first and the record + run commit
	// together afterwards.
	sourceKey := blueprint.KeyPrefix + "/source.pdf"
	if err := bs.bucket.UploadObject(ctx, sourceKey, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("store source document: %w", err)
	}

	err = bs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := bs.blueprintRepo.Create(ctx, tx, []*types.Blueprint{blueprint}); err != nil {
			return fmt.Errorf("create blueprint: %w", err)
		}
		if _, err := bs.conversion.Enqueue(ctx, tx, blueprint, creatorID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if cErr := bs.bucket.DeleteByPrefix(context.Background(), blueprint.KeyPrefix); cErr != nil {
			bs.log.Warn("failed to clean up source after aborted create", "error", cErr, "key_prefix", blueprint.KeyPrefix)
		}
		return nil, err
	}

	bs.log.Info("blueprint created, conversion enqueued",
		"blueprint_id", blueprint.ID,
		"project_id", projectID,
		"name", blueprint.Name,
	)
	return blueprint, nil
}

func (bs *blueprintService) Get(ctx context.Context, id uuid.UUID) (*types.Blueprint, error) {
	blueprint, err := bs.blueprintRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if blueprint == nil {
		return nil, ErrBlueprintNotFound
	}
	return blueprint, nil
}

func (bs *blueprintService) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*types.Blueprint, error) {
	return bs.blueprintRepo.GetByProjectID(ctx, nil, projectID)
}

func (bs *blueprintService) Rename(ctx context.Context, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return bs.blueprintRepo.UpdateName(ctx, nil, id, name)
}

func (bs *blueprintService) Delete(ctx context.Context, blueprint *types.Blueprint) error {
	err := bs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		count, err := bs.taskRepo.CountByLocationBlueprintID(ctx, tx, blueprint.ID)
		if err != nil {
			return fmt.Errorf("count related tasks: %w", err)
		}
		if count > 0 {
			return ErrExistingRelativeTasks
		}
		return bs.blueprintRepo.SoftDeleteByID(ctx, tx, blueprint.ID)
	})
	if err != nil {
		return err
	}

	// Post-commit blob cleanup. Fire-and-forget from the caller's view; the
	// prefix is logged so a failed sweep can be retried operationally.
	keyPrefix := blueprint.KeyPrefix
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := bs.bucket.DeleteByPrefix(cleanupCtx, keyPrefix); err != nil {
			bs.log.Error("blueprint blob cleanup failed", "error", err, "key_prefix", keyPrefix)
			return
		}
		bs.log.Info("blueprint blobs removed", "key_prefix", keyPrefix)
	}()

	return nil
}

func (bs *blueprintService) ListTasksOn(ctx context.Context, blueprintID uuid.UUID) ([]*types.Task, error) {
	return bs.taskRepo.GetByLocationBlueprintID(ctx, nil, blueprintID)
}

// BlueprintPageAsset pairs a page's stored geometry with the URLs of its
// rendered image and thumbnail.
type BlueprintPageAsset struct {
	Page         int            `json:"page"`
	Rotation     int            `json:"rot"`
	Size         types.PageSize `json:"size"`
	ImageURL     string         `json:"image_url"`
	ThumbnailURL string         `json:"thumbnail_url"`
}

func (bs *blueprintService) PageAssets(blueprint *types.Blueprint) ([]BlueprintPageAsset, error) {
	pages, err := blueprint.PageList()
	if err != nil {
		return nil, fmt.Errorf("decode page list: %w", err)
	}

	assets := make([]BlueprintPageAsset, 0, len(pages))
	for i, page := range pages {
		assets = append(assets, BlueprintPageAsset{
			Page:         i + 1,
			Rotation:     page.Rotation,
			Size:         page.Size,
			ImageURL:     bs.bucket.GetPublicURL(fmt.Sprintf("%s/pages/%d.jpg", blueprint.KeyPrefix, i+1)),
			ThumbnailURL: bs.bucket.GetPublicURL(fmt.Sprintf("%s/thumbs/%d.jpg", blueprint.KeyPrefix, i+1)),
		})
	}
	return assets, nil
}

func (bs *blueprintService) WaitForConversion(ctx context.Context, id uuid.UUID) (*types.Blueprint, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		blueprint, err := bs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if blueprint.Progress >= 1 {
			return blueprint, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("conversion still below 1 when deadline expired: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func nameFromFilename(filename string) string {
	base := filepath.Base(filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		name = base
	}
	return name
}
