package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// NamingRuleHandler handles naming rules
type NamingRuleHandler struct {
	store *store.Store
}

// NewNamingRuleHandler creates a naming rule handler
func NewNamingRuleHandler(st *store.Store) *NamingRuleHandler {
	return &NamingRuleHandler{store: st}
}

func (h *NamingRuleHandler) ListNamingRules(c *gin.Context) {
	rules, err := h.store.ListNamingRules()
	if err != nil {
		respondError(c, err)
		return
	}
	if rules == nil {
		rules = []models.NamingRule{}
	}
	c.JSON(http.StatusOK, rules)
}

func (h *NamingRuleHandler) GetNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.store.GetNamingRule(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *NamingRuleHandler) CreateNamingRule(c *gin.Context) {
	var req models.NamingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	rule, err := h.store.CreateNamingRule(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *NamingRuleHandler) UpdateNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.NamingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	rule, err := h.store.UpdateNamingRule(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *NamingRuleHandler) DeleteNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteNamingRule(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Naming rule deleted"})
}

// Translate POST /api/v1/naming-rules/translate previews a pattern
func (h *NamingRuleHandler) Translate(c *gin.Context) {
	var req struct {
		Pattern     string `json:"pattern" binding:"required"`
		ProfileName string `json:"profile_name"`
		ServerName  string `json:"server_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	vars := backup.NamingVars{
		Time:    time.Now(),
		Profile: req.ProfileName,
		Server:  req.ServerName,
		RunID:   1,
	}
	c.JSON(http.StatusOK, gin.H{
		"pattern":   req.Pattern,
		"expanded":  backup.ExpandPattern(req.Pattern, vars),
		"directory": backup.RunDirectoryName(req.Pattern, vars),
	})
}
