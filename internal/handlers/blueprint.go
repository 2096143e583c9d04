package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/requestdata"
	"github.com/clovisapp/clovis-backend/internal/services"
	"github.com/clovisapp/clovis-backend/internal/types"
)

// maxUploadBytes caps the accepted source document size. Large site plans
// run tens of megabytes; anything past this is rejected up front.
const maxUploadBytes = 200 << 20

type BlueprintHandler struct {
	log              *logger.Logger
	blueprintService services.BlueprintService
	accessService    services.AccessService
}

func NewBlueprintHandler(log *logger.Logger, blueprintService services.BlueprintService, accessService services.AccessService) *BlueprintHandler {
	return &BlueprintHandler{
		log:              log.With("handler", "BlueprintHandler"),
		blueprintService: blueprintService,
		accessService:    accessService,
	}
}

// Create accepts a multipart upload under the field name "blueprint" and
// returns the fresh record with progress 0. Conversion happens afterwards;
// callers follow it over the project room or by polling the record.
func (bh *BlueprintHandler) Create(c *gin.Context) {
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
	if _, err := bh.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
		RespondError(c, http.StatusForbidden, services.ErrForbidden)
		return
	}

	fileHeader, err := c.FormFile("blueprint")
	if err != nil {
		RespondMessage(c, http.StatusBadRequest, "missing blueprint file")
		return
	}
	if fileHeader.Size > maxUploadBytes {
		RespondMessage(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}

	blueprint, err := bh.blueprintService.CreateFromUpload(
		c.Request.Context(),
		projectID,
		rd.UserID,
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		data,
	)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrBadMimeType), errors.Is(err, services.ErrInvalidPDFFile):
			RespondError(c, http.StatusBadRequest, err)
		default:
			RespondError(c, http.StatusInternalServerError, err)
		}
		return
	}
	RespondOK(c, blueprint)
}

func (bh *BlueprintHandler) ListByProject(c *gin.Context) {
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
	if _, err := bh.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
		RespondError(c, http.StatusForbidden, services.ErrForbidden)
		return
	}
	blueprints, err := bh.blueprintService.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, blueprints)
}

func (bh *BlueprintHandler) Get(c *gin.Context) {
	blueprint, ok := bh.loadForMember(c)
	if !ok {
		return
	}
	RespondOK(c, blueprint)
}

// Update accepts a partial body; only the name is externally mutable. An
// empty body is a valid no-op.
func (bh *BlueprintHandler) Update(c *gin.Context) {
	blueprint, ok := bh.loadForMember(c)
	if !ok {
		return
	}
	var req struct {
		Name *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		RespondMessage(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil && *req.Name != blueprint.Name {
		if err := bh.blueprintService.Rename(c.Request.Context(), blueprint.ID, *req.Name); err != nil {
			RespondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (bh *BlueprintHandler) Delete(c *gin.Context) {
	blueprint, ok := bh.loadForMember(c)
	if !ok {
		return
	}
	if err := bh.blueprintService.Delete(c.Request.Context(), blueprint); err != nil {
		if errors.Is(err, services.ErrExistingRelativeTasks) {
			RespondError(c, http.StatusConflict, services.ErrExistingRelativeTasks)
			return
		}
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListTasks returns the tasks located on one of the blueprint's pages.
func (bh *BlueprintHandler) ListTasks(c *gin.Context) {
	blueprint, ok := bh.loadForMember(c)
	if !ok {
		return
	}
	tasks, err := bh.blueprintService.ListTasksOn(c.Request.Context(), blueprint.ID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, tasks)
}

// ListPages returns the converted pages with their image and thumbnail
// URLs. Mid-conversion the list covers only the pages rendered so far.
func (bh *BlueprintHandler) ListPages(c *gin.Context) {
	blueprint, ok := bh.loadForMember(c)
	if !ok {
		return
	}
	assets, err := bh.blueprintService.PageAssets(blueprint)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondOK(c, assets)
}

// loadForMember resolves the :id blueprint and enforces membership of its
// project. Non-members get the same 403 whether or not the record exists.
func (bh *BlueprintHandler) loadForMember(c *gin.Context) (*types.Blueprint, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	blueprintID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondMessage(c, http.StatusBadRequest, "invalid blueprint id")
		return nil, false
	}
	blueprint, err := bh.blueprintService.Get(c.Request.Context(), blueprintID)
	if err != nil {
		if errors.Is(err, services.ErrBlueprintNotFound) {
			RespondMessage(c, http.StatusNotFound, "blueprint not found")
			return nil, false
		}
		RespondError(c, http.StatusInternalServerError, err)
		return nil, false
	}
	if _, err := bh.accessService.RequireProjectMember(c.Request.Context(), nil, blueprint.ProjectID, rd.UserID); err != nil {
		RespondError(c, http.StatusForbidden, services.ErrForbidden)
		return nil, false
	}
	return blueprint, true
}
