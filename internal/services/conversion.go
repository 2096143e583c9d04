package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/types"
)

// ConversionService runs the asynchronous blueprint conversion pipeline.
// Each blueprint gets exactly one run row at upload time; the worker claims
// runs one at a time and is the sole writer of the blueprint's pages and
// progress for the record's entire lifetime.
type ConversionService interface {
	// Enqueue creates the queued run row inside the caller's transaction so
	// the blueprint and its pending conversion commit atomically.
	Enqueue(ctx context.Context, tx *gorm.DB, blueprint *types.Blueprint, creatorID uuid.UUID) (*types.BlueprintConversionRun, error)

	StartWorker(ctx context.Context)

	// ProcessNextRun claims and processes at most one runnable run. It
	// reports whether a run was claimed. The worker loop calls this; tests
	// drive it directly.
	ProcessNextRun(ctx context.Context) (bool, error)
}

type conversionService struct {
	db  *gorm.DB
	log *logger.Logger

	blueprintRepo repos.BlueprintRepo
	runRepo       repos.ConversionRunRepo

	bucket   BucketService
	pdf      PDFService
	renderer PageRenderer
	notifier BlueprintNotifier

	tickInterval time.Duration
	staleRunning time.Duration
}

func NewConversionService(
	db *gorm.DB,
	baseLog *logger.Logger,
	blueprintRepo repos.BlueprintRepo,
	runRepo repos.ConversionRunRepo,
	bucket BucketService,
	pdf PDFService,
	renderer PageRenderer,
	notifier BlueprintNotifier,
) ConversionService {
	return &conversionService{
		db:            db,
		log:           baseLog.With("service", "ConversionService"),
		blueprintRepo: blueprintRepo,
		runRepo:       runRepo,
		bucket:        bucket,
		pdf:           pdf,
		renderer:      renderer,
		notifier:      notifier,
		tickInterval:  time.Second,
		staleRunning:  2 * time.Minute,
	}
}

func (cs *conversionService) Enqueue(ctx context.Context, tx *gorm.DB, blueprint *types.Blueprint, creatorID uuid.UUID) (*types.BlueprintConversionRun, error) {
	now := time.Now()
	run := &types.BlueprintConversionRun{
		ID:          uuid.New(),
		BlueprintID: blueprint.ID,
		ProjectID:   blueprint.ProjectID,
		CreatorID:   creatorID,
		Status:      types.ConversionStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := cs.runRepo.Create(ctx, tx, []*types.BlueprintConversionRun{run}); err != nil {
		return nil, fmt.Errorf("create conversion run: %w", err)
	}
	return run, nil
}

func (cs *conversionService) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cs.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := cs.ProcessNextRun(ctx); err != nil {
					cs.log.Warn("conversion run processing failed", "error", err)
				}
			}
		}
	}()
}

func (cs *conversionService) ProcessNextRun(ctx context.Context) (bool, error) {
	run, err := cs.runRepo.ClaimNextRunnable(ctx, cs.db, cs.staleRunning)
	if err != nil {
		return false, fmt.Errorf("claim runnable conversion: %w", err)
	}
	if run == nil {
		return false, nil
	}
	cs.processRun(ctx, run)
	return true, nil
}

func (cs *conversionService) processRun(ctx context.Context, run *types.BlueprintConversionRun) {
	runLog := cs.log.With("run_id", run.ID, "blueprint_id", run.BlueprintID)

	fail := func(err error) {
		now := time.Now()
		runLog.Error("conversion failed", "error", err)
		if uErr := cs.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
			"status":        types.ConversionStatusFailed,
			"error":         err.Error(),
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		}); uErr != nil {
			runLog.Error("failed to persist conversion failure", "error", uErr)
		}
	}

	blueprint, err := cs.blueprintRepo.GetByID(ctx, nil, run.BlueprintID)
	if err != nil {
		fail(fmt.Errorf("load blueprint: %w", err))
		return
	}
	if blueprint == nil {
		fail(fmt.Errorf("blueprint deleted before conversion started"))
		return
	}

	sourceKey := blueprint.KeyPrefix + "/source.pdf"
	rc, err := cs.bucket.DownloadObject(ctx, sourceKey)
	if err != nil {
		fail(fmt.Errorf("download source document: %w", err))
		return
	}
	source, readErr := io.ReadAll(rc)
	_ = rc.Close()
	if readErr != nil {
		fail(fmt.Errorf("read source document: %w", readErr))
		return
	}

	geometry, err := cs.pdf.PageGeometry(source)
	if err != nil {
		fail(fmt.Errorf("page geometry: %w", err))
		return
	}
	pageCount := len(geometry)
	if pageCount == 0 {
		fail(fmt.Errorf("document has no pages"))
		return
	}

	session, err := cs.renderer.Open(source)
	if err != nil {
		fail(fmt.Errorf("open render session: %w", err))
		return
	}
	defer session.Close()

	if session.PageCount() != pageCount {
		fail(fmt.Errorf("renderer sees %d pages, geometry pass saw %d", session.PageCount(), pageCount))
		return
	}

	// A rescued stale run picks up where the last persisted page left off;
	// the page list is the authoritative cursor.
	alreadyDone, err := blueprint.PageList()
	if err != nil {
		fail(fmt.Errorf("decode persisted pages: %w", err))
		return
	}
	startPage := len(alreadyDone)

	if uErr := cs.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"page_count": pageCount,
		"pages_done": startPage,
	}); uErr != nil {
		fail(fmt.Errorf("record page count: %w", uErr))
		return
	}

	runLog.Info("conversion started", "page_count", pageCount, "start_page", startPage)

	for i := startPage; i < pageCount; i++ {
		if ctx.Err() != nil {
			fail(fmt.Errorf("conversion interrupted: %w", ctx.Err()))
			return
		}

		// Heartbeat before the render, which is the slow step; a run only
		// reads as stale when its worker actually died.
		if hErr := cs.runRepo.Heartbeat(ctx, nil, run.ID); hErr != nil {
			runLog.Warn("failed to heartbeat run", "error", hErr, "page", i+1)
		}

		rendered, err := session.RenderPage(i)
		if err != nil {
			fail(fmt.Errorf("render page %d: %w", i+1, err))
			return
		}

		pageKey := fmt.Sprintf("%s/pages/%d.jpg", blueprint.KeyPrefix, i+1)
		if err := cs.bucket.UploadObject(ctx, pageKey, bytes.NewReader(rendered.Image)); err != nil {
			fail(fmt.Errorf("store page %d image: %w", i+1, err))
			return
		}
		thumbKey := fmt.Sprintf("%s/thumbs/%d.jpg", blueprint.KeyPrefix, i+1)
		if err := cs.bucket.UploadObject(ctx, thumbKey, bytes.NewReader(rendered.Thumbnail)); err != nil {
			fail(fmt.Errorf("store page %d thumbnail: %w", i+1, err))
			return
		}

		progress := float64(i+1) / float64(pageCount)
		err = cs.blueprintRepo.AppendPage(ctx, nil, blueprint.ID, geometry[i], progress)
		if errors.Is(err, repos.ErrBlueprintGone) {
			fail(fmt.Errorf("blueprint deleted during conversion"))
			return
		}
		if err != nil {
			fail(fmt.Errorf("persist page %d: %w", i+1, err))
			return
		}

		cs.notifier.BlueprintProgress(blueprint.ProjectID, blueprint.ID, progress)

		if uErr := cs.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
			"pages_done": i + 1,
		}); uErr != nil {
			runLog.Warn("failed to update run progress", "error", uErr, "page", i+1)
		}
	}

	err = cs.blueprintRepo.FinishConversion(ctx, nil, blueprint.ID)
	if errors.Is(err, repos.ErrBlueprintGone) {
		fail(fmt.Errorf("blueprint deleted during conversion"))
		return
	}
	if err != nil {
		fail(fmt.Errorf("finish conversion: %w", err))
		return
	}

	if uErr := cs.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"status":     types.ConversionStatusSucceeded,
		"locked_at":  nil,
		"updated_at": time.Now(),
	}); uErr != nil {
		fail(fmt.Errorf("mark run succeeded: %w", uErr))
		return
	}

	// Terminal event: persisted as a strong notification, then broadcast to
	// the project room. The page list is final from here on.
	if nErr := cs.notifier.BlueprintCreated(ctx, nil, blueprint.ProjectID, blueprint.ID, run.CreatorID); nErr != nil {
		runLog.Error("failed to publish terminal notification", "error", nErr)
	}

	runLog.Info("conversion complete", "pages", pageCount)
}
