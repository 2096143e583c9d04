package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/types"
)

type ProjectService interface {
	// Create persists the project and registers the creator as its owner in
	// the same transaction.
	Create(ctx context.Context, name string, creatorID uuid.UUID) (*types.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Project, error)

	// CreateTask assigns the next per-project task number and persists the
	// task, optionally located on a blueprint page.
	CreateTask(ctx context.Context, task *types.Task) (*types.Task, error)

	// ListNotifications returns the project's persisted notification feed,
	// newest first. Clients replay it after reconnecting a realtime stream.
	ListNotifications(ctx context.Context, projectID uuid.UUID) ([]*types.Notification, error)
}

type projectService struct {
	db  *gorm.DB
	log *logger.Logger

	projectRepo      repos.ProjectRepo
	taskRepo         repos.TaskRepo
	notificationRepo repos.NotificationRepo
}

func NewProjectService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projectRepo repos.ProjectRepo,
	taskRepo repos.TaskRepo,
	notificationRepo repos.NotificationRepo,
) ProjectService {
	return &projectService{
		db:               db,
		log:              baseLog.With("service", "ProjectService"),
		projectRepo:      projectRepo,
		taskRepo:         taskRepo,
		notificationRepo: notificationRepo,
	}
}

func (ps *projectService) Create(ctx context.Context, name string, creatorID uuid.UUID) (*types.Project, error) {
	project := &types.Project{
		ID:   uuid.New(),
		Name: name,
	}

	err := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ps.projectRepo.Create(ctx, tx, []*types.Project{project}); err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		member := &types.ProjectMember{
			ProjectID:  project.ID,
			UserID:     creatorID,
			MemberType: types.MemberTypeOwner,
		}
		if err := ps.projectRepo.AddMember(ctx, tx, member); err != nil {
			return fmt.Errorf("add owner member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (ps *projectService) Get(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	projects, err := ps.projectRepo.GetByIDs(ctx, nil, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return projects[0], nil
}

func (ps *projectService) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	err := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := ps.taskRepo.NextNumberForProject(ctx, tx, task.ProjectID)
		if err != nil {
			return fmt.Errorf("next task number: %w", err)
		}
		task.Number = number
		if _, err := ps.taskRepo.Create(ctx, tx, []*types.Task{task}); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (ps *projectService) ListNotifications(ctx context.Context, projectID uuid.UUID) ([]*types.Notification, error) {
	return ps.notificationRepo.GetByProjectID(ctx, nil, projectID)
}
