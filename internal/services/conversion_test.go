package services

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/sse"
	"github.com/clovisapp/clovis-backend/internal/types"
)

type conversionEnv struct {
	db        *gorm.DB
	bucket    BucketService
	emitter   *recordingEmitter
	service   ConversionService
	blueprint repos.BlueprintRepo
	runs      repos.ConversionRunRepo
}

func newConversionEnv(t *testing.T, pageCount int, renderer *fakeRenderer) *conversionEnv {
	t.Helper()
	log := newTestLogger(t)
	db := newTestDB(t)

	blueprintRepo := repos.NewBlueprintRepo(db, log)
	runRepo := repos.NewConversionRunRepo(db, log)
	notificationRepo := repos.NewNotificationRepo(db, log)

	emitter := &recordingEmitter{}
	notifier := NewBlueprintNotifier(log, emitter, notificationRepo)
	bucket := NewMemoryBucketService()
	pdf := &fakePDFService{geometry: pageGeometry(pageCount)}

	if renderer == nil {
		renderer = &fakeRenderer{pageCount: pageCount}
	}
	service := NewConversionService(db, log, blueprintRepo, runRepo, bucket, pdf, renderer, notifier)

	return &conversionEnv{
		db:        db,
		bucket:    bucket,
		emitter:   emitter,
		service:   service,
		blueprint: blueprintRepo,
		runs:      runRepo,
	}
}

func (env *conversionEnv) seedBlueprint(t *testing.T, pageCount int) (*types.Blueprint, *types.BlueprintConversionRun) {
	t.Helper()
	ctx := context.Background()
	project, user := seedProject(t, env.db)

	emptyPages, err := types.EncodePageList(nil)
	if err != nil {
		t.Fatalf("encode empty pages: %v", err)
	}
	blueprint := &types.Blueprint{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Name:      "floor-plan",
		Progress:  0,
		Pages:     emptyPages,
		CreatedBy: user.ID,
	}
	blueprint.KeyPrefix = fmt.Sprintf("blueprints/%s/%s", project.ID, blueprint.ID)
	if _, err := env.blueprint.Create(ctx, nil, []*types.Blueprint{blueprint}); err != nil {
		t.Fatalf("create blueprint: %v", err)
	}
	if err := env.bucket.UploadObject(ctx, blueprint.KeyPrefix+"/source.pdf", bytes.NewReader([]byte("%PDF"))); err != nil {
		t.Fatalf("store source: %v", err)
	}

	run, err := env.service.Enqueue(ctx, nil, blueprint, user.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return blueprint, run
}

func TestConversionProcessesRunToCompletion(t *testing.T) {
	env := newConversionEnv(t, 3, nil)
	blueprint, run := env.seedBlueprint(t, 3)
	ctx := context.Background()

	claimed, err := env.service.ProcessNextRun(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !claimed {
		t.Fatalf("expected a run to be claimed")
	}

	got, err := env.blueprint.GetByID(ctx, nil, blueprint.ID)
	if err != nil || got == nil {
		t.Fatalf("reload blueprint: %v", err)
	}
	if got.Progress != 1 {
		t.Fatalf("expected progress 1, got %v", got.Progress)
	}
	pages, err := got.PageList()
	if err != nil {
		t.Fatalf("decode pages: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for _, p := range pages {
		if p.Size.Unit != PageUnitPoints || p.Size.Width != 612 || p.Size.Height != 792 {
			t.Fatalf("unexpected page geometry: %+v", p)
		}
	}

	reloadedRun, err := env.runs.GetByBlueprintID(ctx, nil, blueprint.ID)
	if err != nil || reloadedRun == nil {
		t.Fatalf("reload run: %v", err)
	}
	if reloadedRun.ID != run.ID {
		t.Fatalf("unexpected run row")
	}
	if reloadedRun.Status != types.ConversionStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", reloadedRun.Status)
	}
	if reloadedRun.PagesDone != 3 || reloadedRun.PageCount != 3 {
		t.Fatalf("expected pages_done=3 page_count=3, got %d/%d", reloadedRun.PagesDone, reloadedRun.PageCount)
	}
	if reloadedRun.HeartbeatAt == nil {
		t.Fatalf("expected heartbeat to be recorded during the page loop")
	}

	mem := env.bucket.(interface{ Keys() []string })
	keys := mem.Keys()
	wantKeys := []string{
		blueprint.KeyPrefix + "/pages/1.jpg",
		blueprint.KeyPrefix + "/pages/2.jpg",
		blueprint.KeyPrefix + "/pages/3.jpg",
		blueprint.KeyPrefix + "/source.pdf",
		blueprint.KeyPrefix + "/thumbs/1.jpg",
		blueprint.KeyPrefix + "/thumbs/2.jpg",
		blueprint.KeyPrefix + "/thumbs/3.jpg",
	}
	if len(keys) != len(wantKeys) {
		t.Fatalf("expected %d stored objects, got %d: %v", len(wantKeys), len(keys), keys)
	}
	for i, want := range wantKeys {
		if keys[i] != want {
			t.Fatalf("object %d: expected %q, got %q", i, want, keys[i])
		}
	}
}

func TestConversionProgressTicksAreMonotone(t *testing.T) {
	env := newConversionEnv(t, 4, nil)
	blueprint, _ := env.seedBlueprint(t, 4)

	if _, err := env.service.ProcessNextRun(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	ticks := env.emitter.byEvent(sse.EventBlueprintProgress)
	if len(ticks) != 4 {
		t.Fatalf("expected 4 progress ticks, got %d", len(ticks))
	}
	last := float64(0)
	for i, tick := range ticks {
		if tick.Room != sse.ProjectRoom(blueprint.ProjectID) {
			t.Fatalf("tick %d published to wrong room %q", i, tick.Room)
		}
		data, ok := tick.Data.(map[string]any)
		if !ok {
			t.Fatalf("tick %d has unexpected payload type %T", i, tick.Data)
		}
		progress, ok := data["progress"].(float64)
		if !ok {
			t.Fatalf("tick %d missing progress", i)
		}
		if progress <= last {
			t.Fatalf("tick %d progress %v not greater than %v", i, progress, last)
		}
		last = progress
	}
}

func TestConversionTerminalNotificationExactlyOnce(t *testing.T) {
	env := newConversionEnv(t, 2, nil)
	blueprint, run := env.seedBlueprint(t, 2)
	ctx := context.Background()

	if _, err := env.service.ProcessNextRun(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	terminal := env.emitter.byEvent(sse.EventNotification)
	if len(terminal) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terminal))
	}
	data := terminal[0].Data.(map[string]any)
	if data["type"] != types.NotificationTypeBlueprintCreate {
		t.Fatalf("unexpected type %v", data["type"])
	}
	if data["project"] != blueprint.ProjectID || data["blueprint"] != blueprint.ID || data["creator"] != run.CreatorID {
		t.Fatalf("terminal event correlation wrong: %+v", data)
	}
	if data["strong"] != true {
		t.Fatalf("terminal event must be strong")
	}

	var persisted []types.Notification
	if err := env.db.Where("blueprint_id = ?", blueprint.ID).Find(&persisted).Error; err != nil {
		t.Fatalf("load notifications: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected one persisted notification, got %d", len(persisted))
	}
	if !persisted[0].Strong || persisted[0].Type != types.NotificationTypeBlueprintCreate {
		t.Fatalf("persisted notification wrong: %+v", persisted[0])
	}

	// The queue is drained; nothing further runs and nothing re-fires.
	claimed, err := env.service.ProcessNextRun(ctx)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if claimed {
		t.Fatalf("no run should be claimable after success")
	}
	if got := env.emitter.byEvent(sse.EventNotification); len(got) != 1 {
		t.Fatalf("terminal event fired again")
	}
}

func TestConversionFailureFreezesProgress(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 3, failAtPage: 3}
	env := newConversionEnv(t, 3, renderer)
	blueprint, _ := env.seedBlueprint(t, 3)
	ctx := context.Background()

	if _, err := env.service.ProcessNextRun(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := env.blueprint.GetByID(ctx, nil, blueprint.ID)
	if err != nil || got == nil {
		t.Fatalf("reload blueprint: %v", err)
	}
	if got.Progress >= 1 {
		t.Fatalf("failed conversion must stay below 1, got %v", got.Progress)
	}
	pages, _ := got.PageList()
	if len(pages) != 2 {
		t.Fatalf("expected the 2 completed pages to persist, got %d", len(pages))
	}

	run, err := env.runs.GetByBlueprintID(ctx, nil, blueprint.ID)
	if err != nil || run == nil {
		t.Fatalf("reload run: %v", err)
	}
	if run.Status != types.ConversionStatusFailed {
		t.Fatalf("expected failed, got %q", run.Status)
	}
	if run.Error == "" || run.LastErrorAt == nil {
		t.Fatalf("failure details not recorded: %+v", run)
	}

	if got := env.emitter.byEvent(sse.EventNotification); len(got) != 0 {
		t.Fatalf("failed conversion must not publish the terminal event")
	}

	// Failed runs are terminal; the worker never retries them.
	claimed, err := env.service.ProcessNextRun(ctx)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if claimed {
		t.Fatalf("failed run must not be re-claimed")
	}
}

func TestConversionAbortsWhenBlueprintDeletedMidRun(t *testing.T) {
	env := newConversionEnv(t, 3, nil)
	ctx := context.Background()

	var blueprint *types.Blueprint
	renderer := &fakeRenderer{pageCount: 3}
	renderer.onRender = func(pageIndex int) {
		if pageIndex == 1 {
			if err := env.blueprint.SoftDeleteByID(ctx, nil, blueprint.ID); err != nil {
				t.Errorf("soft delete: %v", err)
			}
		}
	}
	// Rebuild the service around the deleting renderer.
	log := newTestLogger(t)
	notifier := NewBlueprintNotifier(log, env.emitter, repos.NewNotificationRepo(env.db, log))
	pdf := &fakePDFService{geometry: pageGeometry(3)}
	env.service = NewConversionService(env.db, log, env.blueprint, env.runs, env.bucket, pdf, renderer, notifier)

	blueprint, _ = env.seedBlueprint(t, 3)

	if _, err := env.service.ProcessNextRun(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	run, err := env.runs.GetByBlueprintID(ctx, nil, blueprint.ID)
	if err != nil || run == nil {
		t.Fatalf("reload run: %v", err)
	}
	if run.Status != types.ConversionStatusFailed {
		t.Fatalf("expected failed after mid-run delete, got %q", run.Status)
	}
	if got := env.emitter.byEvent(sse.EventNotification); len(got) != 0 {
		t.Fatalf("deleted blueprint must not publish the terminal event")
	}
}

func TestConversionStaleRunningRunIsRescued(t *testing.T) {
	env := newConversionEnv(t, 2, nil)
	blueprint, run := env.seedBlueprint(t, 2)
	ctx := context.Background()

	// Simulate a worker that died mid-run: status running, old heartbeat.
	stale := time.Now().Add(-time.Hour)
	err := env.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"status":       types.ConversionStatusRunning,
		"heartbeat_at": stale,
		"locked_at":    stale,
	})
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}

	claimed, err := env.service.ProcessNextRun(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !claimed {
		t.Fatalf("stale running run must be claimable")
	}

	got, err := env.blueprint.GetByID(ctx, nil, blueprint.ID)
	if err != nil || got == nil {
		t.Fatalf("reload blueprint: %v", err)
	}
	if got.Progress != 1 {
		t.Fatalf("rescued run should finish the conversion, got progress %v", got.Progress)
	}
}
