package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/config"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
	"github.com/backapp/backapp/internal/websocket"
)

// RunHandler handles backup runs, their files and logs
type RunHandler struct {
	store      *store.Store
	orch       *backup.Orchestrator
	reconciler *backup.Reconciler
	hub        *websocket.Hub
	cors       config.CORSConfig
	activity   *logging.ActivityLogger
}

// NewRunHandler creates a run handler. hub may be nil, which disables
// live log streaming.
func NewRunHandler(st *store.Store, orch *backup.Orchestrator, reconciler *backup.Reconciler, hub *websocket.Hub, cors config.CORSConfig, activity *logging.ActivityLogger) *RunHandler {
	return &RunHandler{store: st, orch: orch, reconciler: reconciler, hub: hub, cors: cors, activity: activity}
}

// ListRuns GET /api/v1/backup-runs?profile_id=&status=&limit=
func (h *RunHandler) ListRuns(c *gin.Context) {
	var filter models.RunFilter
	if v := c.Query("profile_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile_id"})
			return
		}
		filter.ProfileID = id
	}
	switch status := c.Query("status"); status {
	case "", models.RunPending, models.RunRunning, models.RunSuccess, models.RunFailed:
		filter.Status = status
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = limit
	}

	runs, err := h.store.ListRuns(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []models.BackupRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun GET /api/v1/backup-runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	run, err := h.orch.GetRun(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListFiles GET /api/v1/backup-runs/:id/files
func (h *RunHandler) ListFiles(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.orch.GetRun(id); err != nil {
		respondError(c, err)
		return
	}
	files, err := h.store.ListFiles(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if files == nil {
		files = []models.BackupFile{}
	}
	c.JSON(http.StatusOK, files)
}

// GetLogs GET /api/v1/backup-runs/:id/logs?after=<log id>&filter=&q=
func (h *RunHandler) GetLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after"})
			return
		}
		after = n
	}
	filter, err := backup.NewLogFilter(c.Query("filter"), c.Query("q"), c.Query("case_sensitive") == "true")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.orch.GetLogs(id, after)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, filter.Apply(logs))
}

// DeletionImpact GET /api/v1/backup-runs/:id/deletion-impact
func (h *RunHandler) DeletionImpact(c *gin.Context) {
	deletionImpact(c, h.orch, models.ScopeRun)
}

// DeleteRun DELETE /api/v1/backup-runs/:id
func (h *RunHandler) DeleteRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	failures, err := h.orch.DeleteRun(c.Request.Context(), id)
	h.activity.Record(models.ScopeRun, id, logging.ActivityRunDelete, "Deleted backup run", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backup run deleted", "unlink_failures": failures})
}

// CancelRun POST /api/v1/backup-runs/:id/cancel
func (h *RunHandler) CancelRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	err := h.orch.CancelRun(c.Request.Context(), id)
	h.activity.Record(models.ScopeRun, id, logging.ActivityRunCancel, "Cancellation requested", err)
	if err != nil {
		respondError(c, err)
		return
	}
	run, err := h.orch.GetRun(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// Reconcile POST /api/v1/backup-runs/:id/reconcile
func (h *RunHandler) Reconcile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := h.reconciler.Reconcile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// StreamLogs GET /api/v1/backup-runs/:id/ws upgrades to a WebSocket that
// first replays the stored log and then streams new lines. Clients
// deduplicate by log id.
func (h *RunHandler) StreamLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live logs are not available"})
		return
	}
	if _, err := h.orch.GetRun(id); err != nil {
		respondError(c, err)
		return
	}

	upgrader := buildUpgrader(h.cors.AllowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Runs] Failed to upgrade WebSocket: %v (origin=%s, run=%d)", err, c.Request.Header.Get("Origin"), id)
		return
	}

	client := websocket.NewClient(h.hub, conn, websocket.RunRoom(id))
	h.hub.Register <- client

	// The backlog is written directly before the write pump starts, so live
	// lines published meanwhile queue up in client.Send behind it.
	backlog, err := h.orch.GetLogs(id, 0)
	if err != nil {
		log.Printf("[Runs] Failed to load log backlog for run %d: %v", id, err)
	}
	for _, entry := range backlog {
		msg := &websocket.Message{Type: websocket.TypeRunLog, Payload: entry, Timestamp: time.Now()}
		if err := conn.WriteJSON(msg); err != nil {
			break
		}
	}

	go client.WritePump()
	client.ReadPump()
}
