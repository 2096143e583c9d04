package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/repos"
)

// ErrForbidden is returned whenever an actor is not a member of the owning
// project. Callers translate it to a plain 403 without revealing whether
// the target exists.
var ErrForbidden = errors.New("forbidden")

// AccessService resolves project membership. The pipeline treats it as a
// yes/no gate in front of every blueprint operation.
type AccessService interface {
	RequireProjectMember(ctx context.Context, tx *gorm.DB, projectID, userID uuid.UUID) (string, error)
}

type accessService struct {
	log         *logger.Logger
	projectRepo repos.ProjectRepo
}

func NewAccessService(log *logger.Logger, projectRepo repos.ProjectRepo) AccessService {
	return &accessService{
		log:         log.With("service", "AccessService"),
		projectRepo: projectRepo,
	}
}

func (as *accessService) RequireProjectMember(ctx context.Context, tx *gorm.DB, projectID, userID uuid.UUID) (string, error) {
	if projectID == uuid.Nil || userID == uuid.Nil {
		return "", ErrForbidden
	}
	memberType, err := as.projectRepo.GetMemberType(ctx, tx, projectID, userID)
	if err != nil {
		return "", err
	}
	if memberType == "" {
		return "", ErrForbidden
	}
	return memberType, nil
}
