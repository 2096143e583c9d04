package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/sse"
	"github.com/clovisapp/clovis-backend/internal/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&types.User{},
		&types.UserToken{},
		&types.Project{},
		&types.ProjectMember{},
		&types.Blueprint{},
		&types.BlueprintConversionRun{},
		&types.Task{},
		&types.Notification{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// recordingEmitter captures every published room message in order.
type recordingEmitter struct {
	mu       sync.Mutex
	messages []sse.Message
}

func (re *recordingEmitter) Emit(ctx context.Context, msg sse.Message) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.messages = append(re.messages, msg)
}

func (re *recordingEmitter) byEvent(event sse.Event) []sse.Message {
	re.mu.Lock()
	defer re.mu.Unlock()
	var out []sse.Message
	for _, m := range re.messages {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// fakePDFService returns canned geometry so conversion logic runs without a
// real document.
type fakePDFService struct {
	validateErr error
	geometry    []types.BlueprintPage
}

func (f *fakePDFService) ValidateBlueprintUpload(data []byte, declaredMimeType string) error {
	return f.validateErr
}

func (f *fakePDFService) PageGeometry(data []byte) ([]types.BlueprintPage, error) {
	return f.geometry, nil
}

func pageGeometry(n int) []types.BlueprintPage {
	pages := make([]types.BlueprintPage, n)
	for i := range pages {
		pages[i] = types.BlueprintPage{
			Rotation: 0,
			Size:     types.PageSize{Unit: PageUnitPoints, Width: 612, Height: 792},
		}
	}
	return pages
}

// fakeRenderer satisfies PageRenderer without cgo. failAtPage (1-based)
// makes that page's render fail; onRender runs before each page renders.
type fakeRenderer struct {
	pageCount  int
	failAtPage int
	onRender   func(pageIndex int)
}

func (f *fakeRenderer) Open(source []byte) (RenderSession, error) {
	return &fakeSession{r: f}, nil
}

type fakeSession struct {
	r *fakeRenderer
}

func (s *fakeSession) PageCount() int { return s.r.pageCount }

func (s *fakeSession) RenderPage(pageIndex int) (*RenderedPage, error) {
	if s.r.onRender != nil {
		s.r.onRender(pageIndex)
	}
	if s.r.failAtPage > 0 && pageIndex+1 == s.r.failAtPage {
		return nil, fmt.Errorf("render failed on page %d", pageIndex+1)
	}
	return &RenderedPage{
		Image:     []byte(fmt.Sprintf("image-%d", pageIndex+1)),
		Thumbnail: []byte(fmt.Sprintf("thumb-%d", pageIndex+1)),
	}, nil
}

func (s *fakeSession) Close() error { return nil }

func seedProject(t *testing.T, db *gorm.DB) (*types.Project, *types.User) {
	t.Helper()
	user := &types.User{
		ID:       uuid.New(),
		Email:    fmt.Sprintf("%s@example.com", uuid.New()),
		Password: "x",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	project := &types.Project{ID: uuid.New(), Name: "Site A"}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	member := &types.ProjectMember{
		ProjectID:  project.ID,
		UserID:     user.ID,
		MemberType: types.MemberTypeOwner,
	}
	if err := db.Create(member).Error; err != nil {
		t.Fatalf("create member: %v", err)
	}
	return project, user
}
