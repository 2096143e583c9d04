package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clovisapp/clovis-backend/internal/requestdata"
	"github.com/clovisapp/clovis-backend/internal/services"
	"github.com/clovisapp/clovis-backend/internal/types"
)

type ProjectHandler struct {
	projectService services.ProjectService
	accessService  services.AccessService
}

func NewProjectHandler(projectService services.ProjectService, accessService services.AccessService) *ProjectHandler {
	return &ProjectHandler{
		projectService: projectService,
		accessService:  accessService,
	}
}

func (ph *ProjectHandler) Create(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid request body")
		return
	}
	project, err := ph.projectService.Create(c.Request.Context(), req.Name, rd.UserID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, project)
}

func (ph *ProjectHandler) Get(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid project id")
		return
	}
	if _, err := ph.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
		RespondError(c, http.StatusForbidden, services.ErrForbidden)
		return
	}
	project, err := ph.projectService.Get(c.Request.Context(), projectID)
	if err != nil {
		RespondMessage(c, http.StatusNotFound, "project not found")
		return
	}
	RespondOK(c, project)
}

// ListNotifications returns the project's notification feed, newest first.
func (ph *ProjectHandler) ListNotifications(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid project id")
		return
	}
	if _, err := ph.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
		RespondError(c, http.StatusForbidden, services.ErrForbidden)
		return
	}
	notifications, err := ph.projectService.ListNotifications(c.Request.Context(), projectID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, notifications)
}

// CreateTask creates a task inside the project, optionally located on a
// blueprint page. A located task blocks deletion of that blueprint until
// the task itself is gone.
func (ph *ProjectHandler) CreateTask(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid project id")
		return
	}
	if _, err := ph.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
		if errors.Is(err, services.ErrForbidden) {
			RespondError(c, http.StatusForbidden, services.ErrForbidden)
			return
		}
		RespondError(c, http.StatusInternalServerError, err)
		return
	}

	var req struct {
		Description string              `json:"description"`
		Important   bool                `json:"important"`
		Location    *types.TaskLocation `json:"location_on_blueprint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid request body")
		return
	}

	task := &types.Task{
		ProjectID:   projectID,
		Description: req.Description,
		AuthorID:    rd.UserID,
		Important:   req.Important,
		Location:    req.Location,
	}
	created, err := ph.projectService.CreateTask(c.Request.Context(), task)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, created)
}
