package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/notification"
)

// NotificationHandler handles push subscriptions and preferences
type NotificationHandler struct {
	service *notification.Service
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(service *notification.Service) *NotificationHandler {
	return &NotificationHandler{service: service}
}

type endpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// PublicKey GET /api/v1/notifications/vapid-public-key
func (h *NotificationHandler) PublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.service.PublicKey()})
}

// Subscribe POST /api/v1/notifications/subscribe
func (h *NotificationHandler) Subscribe(c *gin.Context) {
	var req models.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sub, err := h.service.Subscribe(req, c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Unsubscribe POST /api/v1/notifications/unsubscribe
func (h *NotificationHandler) Unsubscribe(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := h.service.Unsubscribe(req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed"})
}

// ListPreferences GET /api/v1/notifications/preferences?endpoint=
func (h *NotificationHandler) ListPreferences(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	prefs, err := h.service.Preferences(endpoint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// CreatePreference POST /api/v1/notifications/preferences?endpoint=
func (h *NotificationHandler) CreatePreference(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	var req models.PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	pref, err := h.service.CreatePreference(endpoint, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pref)
}

// UpdatePreference PUT /api/v1/notifications/preferences/:id
func (h *NotificationHandler) UpdatePreference(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	pref, err := h.service.UpdatePreference(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pref)
}

// DeletePreference DELETE /api/v1/notifications/preferences/:id
func (h *NotificationHandler) DeletePreference(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePreference(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Preference deleted"})
}

// SendTest POST /api/v1/notifications/test
func (h *NotificationHandler) SendTest(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := h.service.SendTest(c.Request.Context(), req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}
