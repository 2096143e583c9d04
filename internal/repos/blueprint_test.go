package repos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/types"
)

func newRepoTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Blueprint{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedBlueprint(t *testing.T, repo BlueprintRepo) *types.Blueprint {
	t.Helper()
	pages, err := types.EncodePageList(nil)
	if err != nil {
		t.Fatalf("encode pages: %v", err)
	}
	blueprint := &types.Blueprint{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Name:      "plan",
		KeyPrefix: "blueprints/x/y",
		Pages:     pages,
		CreatedBy: uuid.New(),
	}
	if _, err := repo.Create(context.Background(), nil, []*types.Blueprint{blueprint}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return blueprint
}

func testPage() types.BlueprintPage {
	return types.BlueprintPage{
		Size: types.PageSize{Unit: "pts", Width: 612, Height: 792},
	}
}

func TestAppendPageRejectsProgressRollback(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := NewBlueprintRepo(newRepoTestDB(t), log)
	blueprint := seedBlueprint(t, repo)
	ctx := context.Background()

	if err := repo.AppendPage(ctx, nil, blueprint.ID, testPage(), 0.5); err != nil {
		t.Fatalf("first append: %v", err)
	}
	// A lower progress value means a stale writer; the guard refuses it.
	err = repo.AppendPage(ctx, nil, blueprint.ID, testPage(), 0.25)
	if !errors.Is(err, ErrBlueprintGone) {
		t.Fatalf("expected guard rejection, got %v", err)
	}

	got, err := repo.GetByID(ctx, nil, blueprint.ID)
	if err != nil || got == nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Progress != 0.5 {
		t.Fatalf("progress moved backwards: %v", got.Progress)
	}
	pages, _ := got.PageList()
	if len(pages) != 1 {
		t.Fatalf("rejected append still persisted a page")
	}
}

func TestConversionWritesFailAfterSoftDelete(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := NewBlueprintRepo(newRepoTestDB(t), log)
	blueprint := seedBlueprint(t, repo)
	ctx := context.Background()

	if err := repo.SoftDeleteByID(ctx, nil, blueprint.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	err = repo.AppendPage(ctx, nil, blueprint.ID, testPage(), 0.5)
	if !errors.Is(err, ErrBlueprintGone) {
		t.Fatalf("append after delete: expected gone, got %v", err)
	}
	err = repo.FinishConversion(ctx, nil, blueprint.ID)
	if !errors.Is(err, ErrBlueprintGone) {
		t.Fatalf("finish after delete: expected gone, got %v", err)
	}

	got, err := repo.GetByID(ctx, nil, blueprint.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("soft-deleted blueprint still visible")
	}
}
