package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/logging"
)

// ActivityHandler exposes the operator activity log
type ActivityHandler struct {
	activity *logging.ActivityLogger
}

// NewActivityHandler creates an activity handler
func NewActivityHandler(activity *logging.ActivityLogger) *ActivityHandler {
	return &ActivityHandler{activity: activity}
}

// ListActivity GET /api/v1/activity?entity_type=&entity_id=&since=&limit=
func (h *ActivityHandler) ListActivity(c *gin.Context) {
	var entityID int64
	if v := c.Query("entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid entity_id"})
			return
		}
		entityID = id
	}
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	activities, err := h.activity.GetActivities(c.Query("entity_type"), entityID, since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, activities)
}
