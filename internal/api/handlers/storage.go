package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// StorageHandler handles storage locations, moves and usage
type StorageHandler struct {
	store     *store.Store
	orch      *backup.Orchestrator
	mover     *backup.Mover
	usage     *backup.UsageService
	scheduler *backup.Scheduler
	activity  *logging.ActivityLogger
}

// NewStorageHandler creates a storage handler
func NewStorageHandler(st *store.Store, orch *backup.Orchestrator, mover *backup.Mover, usage *backup.UsageService, scheduler *backup.Scheduler, activity *logging.ActivityLogger) *StorageHandler {
	return &StorageHandler{store: st, orch: orch, mover: mover, usage: usage, scheduler: scheduler, activity: activity}
}

// ListStorageLocations GET /api/v1/storage-locations
func (h *StorageHandler) ListStorageLocations(c *gin.Context) {
	locs, err := h.store.ListStorageLocations()
	if err != nil {
		respondError(c, err)
		return
	}
	if locs == nil {
		locs = []models.StorageLocation{}
	}
	c.JSON(http.StatusOK, locs)
}

// GetStorageLocation GET /api/v1/storage-locations/:id
func (h *StorageHandler) GetStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	loc, err := h.store.GetStorageLocation(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

// CreateStorageLocation POST /api/v1/storage-locations
func (h *StorageHandler) CreateStorageLocation(c *gin.Context) {
	var req models.StorageLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if req.Type != models.StorageS3 && strings.TrimSpace(req.BasePath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base_path is required"})
		return
	}
	loc, err := h.store.CreateStorageLocation(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loc)
}

// UpdateStorageLocation PUT /api/v1/storage-locations/:id
//
// With move_files set and a new base_path, existing artifacts are moved
// first; the update is rejected if the move fails. Disabling the location
// disables its profiles and unschedules them.
func (h *StorageHandler) UpdateStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.StorageLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	current, err := h.store.GetStorageLocation(id)
	if err != nil {
		respondError(c, err)
		return
	}

	var moved *models.MoveResult
	if req.MoveFiles && req.BasePath != current.BasePath {
		moved, err = h.mover.MoveAll(c.Request.Context(), id, req.BasePath)
		h.activity.Record(models.ScopeStorage, id, logging.ActivityStorageMove, "Moved backups to "+req.BasePath, err)
		if err != nil {
			log.Printf("[API] Move of storage location %d failed: %v", id, err)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "move": moved})
			return
		}
	}

	loc, err := h.store.UpdateStorageLocation(id, req)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Enabled != nil && *req.Enabled != current.Enabled {
		disabled, err := h.store.SetStorageEnabled(id, *req.Enabled)
		if err != nil {
			respondError(c, err)
			return
		}
		h.activity.Record(models.ScopeStorage, id, logging.ActivityStorageToggle, storageToggleDescription(*req.Enabled, len(disabled)), nil)
		h.scheduler.SyncAll(disabled)
		if *req.Enabled {
			h.syncLocationProfiles(id)
		}
		if loc, err = h.store.GetStorageLocation(id); err != nil {
			respondError(c, err)
			return
		}
	}

	resp := gin.H{"storage_location": loc}
	if moved != nil {
		resp["move"] = moved
	}
	c.JSON(http.StatusOK, resp)
}

func (h *StorageHandler) syncLocationProfiles(locationID int64) {
	profiles, err := h.store.ListProfiles()
	if err != nil {
		log.Printf("[API] Failed to list profiles: %v", err)
		return
	}
	var ids []int64
	for _, p := range profiles {
		if p.StorageLocationID == locationID {
			ids = append(ids, p.ID)
		}
	}
	h.scheduler.SyncAll(ids)
}

// DeleteStorageLocation DELETE /api/v1/storage-locations/:id
func (h *StorageHandler) DeleteStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	profiles, _ := h.store.ListProfiles()
	err := h.orch.DeleteStorageLocation(c.Request.Context(), id)
	h.activity.Record(models.ScopeStorage, id, logging.ActivityDelete, "Deleted storage location", err)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, p := range profiles {
		if p.StorageLocationID == id {
			h.scheduler.Remove(p.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Storage location deleted"})
}

// MoveImpact GET /api/v1/storage-locations/:id/move-impact?new_path=
func (h *StorageHandler) MoveImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	newPath := c.Query("new_path")
	if newPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "new_path is required"})
		return
	}
	impact, err := h.mover.MoveImpact(id, newPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// DeletionImpact GET /api/v1/storage-locations/:id/deletion-impact
func (h *StorageHandler) DeletionImpact(c *gin.Context) {
	deletionImpact(c, h.orch, models.ScopeStorage)
}

// GetUsage GET /api/v1/storage-locations/:id/usage
func (h *StorageHandler) GetUsage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	usage, err := h.usage.LocationUsage(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// TestConnection POST /api/v1/storage-locations/:id/test-connection
func (h *StorageHandler) TestConnection(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	loc, err := h.store.GetStorageLocation(id)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	capacity, err := h.usage.TestConnection(ctx, *loc)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
		return
	}

	resp := gin.H{"success": true, "message": "Connection successful"}
	if capacity != nil {
		resp["capacity"] = gin.H{
			"total_bytes":  capacity.Total,
			"free_bytes":   capacity.Free,
			"free_percent": capacity.FreePercent(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// AllUsage GET /api/v1/storage-usage
func (h *StorageHandler) AllUsage(c *gin.Context) {
	usage, err := h.usage.AllUsage(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if usage == nil {
		usage = []models.StorageUsage{}
	}
	c.JSON(http.StatusOK, usage)
}

func storageToggleDescription(enabled bool, disabledProfiles int) string {
	if enabled {
		return "Enabled storage location"
	}
	return fmt.Sprintf("Disabled storage location and %d profile(s)", disabledProfiles)
}
