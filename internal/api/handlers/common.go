package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/store"
)

// parseID reads a positive integer path parameter. It writes a 400 and
// returns false when the parameter is malformed.
func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, backup.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidReference), errors.Is(err, backup.ErrProfileInvalidReference):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrInUse),
		errors.Is(err, store.ErrActiveRun),
		errors.Is(err, store.ErrLocationDisabled),
		errors.Is(err, backup.ErrRunActive),
		errors.Is(err, backup.ErrRunAlreadyInProgress),
		errors.Is(err, backup.ErrProfileDisabled),
		errors.Is(err, backup.ErrStorageDisabled):
		status = http.StatusConflict
	case errors.Is(err, backup.ErrStorageUnreachable), errors.Is(err, backup.ErrServerUnreachable):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == "0.0.0.0/0" || allowed == origin {
			return true
		}
	}
	return false
}
