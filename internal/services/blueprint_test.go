package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/types"
)

type blueprintEnv struct {
	db      *gorm.DB
	bucket  BucketService
	service BlueprintService
	tasks   repos.TaskRepo
	runs    repos.ConversionRunRepo
}

func newBlueprintEnv(t *testing.T, pdf PDFService) *blueprintEnv {
	t.Helper()
	log := newTestLogger(t)
	db := newTestDB(t)

	blueprintRepo := repos.NewBlueprintRepo(db, log)
	runRepo := repos.NewConversionRunRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)
	notificationRepo := repos.NewNotificationRepo(db, log)

	if pdf == nil {
		pdf = &fakePDFService{geometry: pageGeometry(1)}
	}
	bucket := NewMemoryBucketService()
	notifier := NewBlueprintNotifier(log, &recordingEmitter{}, notificationRepo)
	conversion := NewConversionService(db, log, blueprintRepo, runRepo, bucket, pdf, &fakeRenderer{pageCount: 1}, notifier)
	service := NewBlueprintService(db, log, blueprintRepo, taskRepo, bucket, pdf, conversion)

	return &blueprintEnv{
		db:      db,
		bucket:  bucket,
		service: service,
		tasks:   taskRepo,
		runs:    runRepo,
	}
}

func TestCreateFromUploadReturnsImmediately(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "chicken.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if blueprint.Name != "chicken" {
		t.Fatalf("name should be the filename stem, got %q", blueprint.Name)
	}
	if blueprint.Progress != 0 {
		t.Fatalf("fresh blueprint must have progress 0, got %v", blueprint.Progress)
	}
	pages, err := blueprint.PageList()
	if err != nil {
		t.Fatalf("decode pages: %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("fresh blueprint must have an empty page list")
	}

	// Source stored before the record commits; run row queued with it.
	if _, err := env.bucket.DownloadObject(ctx, blueprint.KeyPrefix+"/source.pdf"); err != nil {
		t.Fatalf("source not stored: %v", err)
	}
	run, err := env.runs.GetByBlueprintID(ctx, nil, blueprint.ID)
	if err != nil || run == nil {
		t.Fatalf("run row missing: %v", err)
	}
	if run.Status != types.ConversionStatusQueued {
		t.Fatalf("expected queued run, got %q", run.Status)
	}
}

func TestCreateFromUploadRejectsBadUploads(t *testing.T) {
	log := newTestLogger(t)
	env := newBlueprintEnv(t, NewPDFService(log))
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	_, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.png", "image/png", []byte("not a pdf"))
	if !errors.Is(err, ErrBadMimeType) {
		t.Fatalf("expected badMimeType, got %v", err)
	}

	_, err = env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.pdf", BlueprintMimeType, []byte("not a pdf"))
	if !errors.Is(err, ErrInvalidPDFFile) {
		t.Fatalf("expected invalidPdfFile, got %v", err)
	}

	// Rejected uploads leave nothing behind.
	mem := env.bucket.(interface{ Keys() []string })
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("rejected upload left objects: %v", keys)
	}
	var count int64
	if err := env.db.Model(&types.Blueprint{}).Count(&count).Error; err != nil {
		t.Fatalf("count blueprints: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected upload left %d records", count)
	}
}

func TestRenameChangesOnlyTheName(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "old.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.service.Rename(ctx, blueprint.ID, "ground floor"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	got, err := env.service.Get(ctx, blueprint.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "ground floor" {
		t.Fatalf("expected renamed record, got %q", got.Name)
	}
	if got.KeyPrefix != blueprint.KeyPrefix || got.Progress != blueprint.Progress {
		t.Fatalf("rename touched more than the name")
	}

	// Blank rename is a no-op.
	if err := env.service.Rename(ctx, blueprint.ID, "   "); err != nil {
		t.Fatalf("blank rename: %v", err)
	}
	got, _ = env.service.Get(ctx, blueprint.ID)
	if got.Name != "ground floor" {
		t.Fatalf("blank rename must not change the name, got %q", got.Name)
	}
}

func TestDeleteBlockedByLocatedTask(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	task := &types.Task{
		ID:        uuid.New(),
		ProjectID: project.ID,
		AuthorID:  user.ID,
		Number:    1,
		Location: &types.TaskLocation{
			BlueprintID: blueprint.ID,
			PageNumber:  1,
			X:           0.5,
			Y:           0.5,
		},
	}
	if _, err := env.tasks.Create(ctx, nil, []*types.Task{task}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	err = env.service.Delete(ctx, blueprint)
	if !errors.Is(err, ErrExistingRelativeTasks) {
		t.Fatalf("expected existingRelativeTasks, got %v", err)
	}

	// Record untouched; still retrievable and listed.
	if _, err := env.service.Get(ctx, blueprint.ID); err != nil {
		t.Fatalf("blocked delete must leave the record: %v", err)
	}
	if _, err := env.bucket.DownloadObject(ctx, blueprint.KeyPrefix+"/source.pdf"); err != nil {
		t.Fatalf("blocked delete must leave the blobs: %v", err)
	}
}

func TestDeleteRemovesRecordAndBlobs(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.service.Delete(ctx, blueprint); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := env.service.Get(ctx, blueprint.ID); !errors.Is(err, ErrBlueprintNotFound) {
		t.Fatalf("deleted blueprint still retrievable: %v", err)
	}
	listed, err := env.service.ListByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("deleted blueprint still listed")
	}

	// Blob cleanup runs post-commit in the background.
	mem := env.bucket.(interface{ Keys() []string })
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(mem.Keys()) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("blob cleanup never ran, still have %v", mem.Keys())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListTasksOnFiltersLocatedTasks(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "other.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	located := &types.Task{
		ID: uuid.New(), ProjectID: project.ID, AuthorID: user.ID, Number: 1,
		Location: &types.TaskLocation{BlueprintID: blueprint.ID, PageNumber: 2, X: 0.1, Y: 0.9},
	}
	foreign := &types.Task{
		ID: uuid.New(), ProjectID: project.ID, AuthorID: user.ID, Number: 2,
		Location: &types.TaskLocation{BlueprintID: other.ID, PageNumber: 1, X: 0.2, Y: 0.3},
	}
	unlocated := &types.Task{
		ID: uuid.New(), ProjectID: project.ID, AuthorID: user.ID, Number: 3,
	}
	if _, err := env.tasks.Create(ctx, nil, []*types.Task{located, foreign, unlocated}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	got, err := env.service.ListTasksOn(ctx, blueprint.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly the located task, got %d", len(got))
	}
	if got[0].ID != located.ID {
		t.Fatalf("wrong task returned")
	}
	if got[0].Location == nil || got[0].Location.BlueprintID != blueprint.ID || got[0].Location.PageNumber != 2 {
		t.Fatalf("location not round-tripped: %+v", got[0].Location)
	}
}

func TestWaitForConversionTimesOutBelowOne(t *testing.T) {
	env := newBlueprintEnv(t, nil)
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	blueprint, err := env.service.CreateFromUpload(ctx, project.ID, user.ID, "plan.pdf", BlueprintMimeType, []byte("%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := env.service.WaitForConversion(waitCtx, blueprint.ID); err == nil {
		t.Fatalf("expected deadline error while conversion is pending")
	}
}
