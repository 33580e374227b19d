package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// ProfileHandler handles backup profiles, their commands and file rules,
// and manual execution
type ProfileHandler struct {
	store     *store.Store
	orch      *backup.Orchestrator
	scheduler *backup.Scheduler
	activity  *logging.ActivityLogger
}

// NewProfileHandler creates a profile handler
func NewProfileHandler(st *store.Store, orch *backup.Orchestrator, scheduler *backup.Scheduler, activity *logging.ActivityLogger) *ProfileHandler {
	return &ProfileHandler{store: st, orch: orch, scheduler: scheduler, activity: activity}
}

func (h *ProfileHandler) sync(profileID int64) {
	if err := h.scheduler.Sync(profileID); err != nil {
		log.Printf("[API] Failed to sync schedule of profile %d: %v", profileID, err)
	}
}

// ListProfiles GET /api/v1/backup-profiles
func (h *ProfileHandler) ListProfiles(c *gin.Context) {
	profiles, err := h.store.ListProfiles()
	if err != nil {
		respondError(c, err)
		return
	}
	if profiles == nil {
		profiles = []models.BackupProfile{}
	}
	for i := range profiles {
		profiles[i].NextRun = h.scheduler.NextRun(profiles[i].ID)
	}
	c.JSON(http.StatusOK, profiles)
}

// GetProfile GET /api/v1/backup-profiles/:id returns the profile with its
// commands and file rules
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	profile, err := h.store.GetProfileDetail(id)
	if err != nil {
		respondError(c, err)
		return
	}
	profile.NextRun = h.scheduler.NextRun(id)
	c.JSON(http.StatusOK, profile)
}

// CreateProfile POST /api/v1/backup-profiles
func (h *ProfileHandler) CreateProfile(c *gin.Context) {
	var req models.BackupProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	profile, err := h.store.CreateProfile(req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.sync(profile.ID)
	h.activity.Record(models.ScopeProfile, profile.ID, logging.ActivityCreate, "Created backup profile "+profile.Name, nil)
	profile.NextRun = h.scheduler.NextRun(profile.ID)
	c.JSON(http.StatusCreated, profile)
}

// UpdateProfile PUT /api/v1/backup-profiles/:id
func (h *ProfileHandler) UpdateProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.BackupProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	profile, err := h.store.UpdateProfile(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.sync(id)
	h.activity.Record(models.ScopeProfile, id, logging.ActivityUpdate, "Updated backup profile "+profile.Name, nil)
	profile.NextRun = h.scheduler.NextRun(id)
	c.JSON(http.StatusOK, profile)
}

// DeleteProfile DELETE /api/v1/backup-profiles/:id
func (h *ProfileHandler) DeleteProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	err := h.orch.DeleteProfile(c.Request.Context(), id)
	h.activity.Record(models.ScopeProfile, id, logging.ActivityDelete, "Deleted backup profile", err)
	if err != nil {
		respondError(c, err)
		return
	}
	h.scheduler.Remove(id)
	c.JSON(http.StatusOK, gin.H{"message": "Backup profile deleted"})
}

// DuplicateProfile POST /api/v1/backup-profiles/:id/duplicate
func (h *ProfileHandler) DuplicateProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	profile, err := h.store.DuplicateProfile(id)
	if err != nil {
		respondError(c, err)
		return
	}
	h.activity.Record(models.ScopeProfile, profile.ID, logging.ActivityCreate, "Duplicated backup profile "+strconv.FormatInt(id, 10), nil)
	c.JSON(http.StatusCreated, profile)
}

// DeletionImpact GET /api/v1/backup-profiles/:id/deletion-impact
func (h *ProfileHandler) DeletionImpact(c *gin.Context) {
	deletionImpact(c, h.orch, models.ScopeProfile)
}

// Execute POST /api/v1/backup-profiles/:id/execute starts a run of an
// enabled profile
func (h *ProfileHandler) Execute(c *gin.Context) {
	h.start(c, false)
}

// Run POST /api/v1/backup-profiles/:id/run starts a run even when the
// profile is disabled
func (h *ProfileHandler) Run(c *gin.Context) {
	h.start(c, true)
}

func (h *ProfileHandler) start(c *gin.Context, allowDisabled bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	runID, err := h.orch.StartRun(c.Request.Context(), id, backup.StartOptions{
		Trigger:       models.TriggerManual,
		AllowDisabled: allowDisabled,
	})
	h.activity.Record(models.ScopeProfile, id, logging.ActivityRunTrigger, "Manual backup run requested", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Backup started", "run_id": runID})
}

// ListCommands GET /api/v1/backup-profiles/:id/commands
func (h *ProfileHandler) ListCommands(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProfile(id); err != nil {
		respondError(c, err)
		return
	}
	cmds, err := h.store.ListCommands(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if cmds == nil {
		cmds = []models.Command{}
	}
	c.JSON(http.StatusOK, cmds)
}

// CreateCommand POST /api/v1/backup-profiles/:id/commands
func (h *ProfileHandler) CreateCommand(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	cmd, err := h.store.CreateCommand(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// UpdateCommand PUT /api/v1/backup-profiles/commands/:cmdId
func (h *ProfileHandler) UpdateCommand(c *gin.Context) {
	id, ok := parseID(c, "cmdId")
	if !ok {
		return
	}
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	cmd, err := h.store.UpdateCommand(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// DeleteCommand DELETE /api/v1/backup-profiles/commands/:cmdId
func (h *ProfileHandler) DeleteCommand(c *gin.Context) {
	id, ok := parseID(c, "cmdId")
	if !ok {
		return
	}
	if err := h.store.DeleteCommand(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Command deleted"})
}

// ListFileRules GET /api/v1/backup-profiles/:id/file-rules
func (h *ProfileHandler) ListFileRules(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProfile(id); err != nil {
		respondError(c, err)
		return
	}
	rules, err := h.store.ListFileRules(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if rules == nil {
		rules = []models.FileRule{}
	}
	c.JSON(http.StatusOK, rules)
}

// CreateFileRule POST /api/v1/backup-profiles/:id/file-rules
func (h *ProfileHandler) CreateFileRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.FileRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	rule, err := h.store.CreateFileRule(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateFileRule PUT /api/v1/backup-profiles/file-rules/:ruleId
func (h *ProfileHandler) UpdateFileRule(c *gin.Context) {
	id, ok := parseID(c, "ruleId")
	if !ok {
		return
	}
	var req models.FileRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	rule, err := h.store.UpdateFileRule(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteFileRule DELETE /api/v1/backup-profiles/file-rules/:ruleId
func (h *ProfileHandler) DeleteFileRule(c *gin.Context) {
	id, ok := parseID(c, "ruleId")
	if !ok {
		return
	}
	if err := h.store.DeleteFileRule(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File rule deleted"})
}
