package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// FileHandler handles individual backup files
type FileHandler struct {
	store    *store.Store
	orch     *backup.Orchestrator
	activity *logging.ActivityLogger
}

// NewFileHandler creates a file handler
func NewFileHandler(st *store.Store, orch *backup.Orchestrator, activity *logging.ActivityLogger) *FileHandler {
	return &FileHandler{store: st, orch: orch, activity: activity}
}

// GetFile GET /api/v1/backup-files/:id
func (h *FileHandler) GetFile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	file, err := h.store.GetFile(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// DeleteFile DELETE /api/v1/backup-files/:id soft-deletes the record and
// unlinks the artifact
func (h *FileHandler) DeleteFile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	removed, err := h.orch.DeleteFile(c.Request.Context(), id)
	h.activity.Record(models.ScopeFile, id, logging.ActivityFileDelete, "Deleted backup file", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backup file deleted", "artifact_removed": removed})
}

// DeletionImpact GET /api/v1/backup-files/:id/deletion-impact
func (h *FileHandler) DeletionImpact(c *gin.Context) {
	deletionImpact(c, h.orch, models.ScopeFile)
}
