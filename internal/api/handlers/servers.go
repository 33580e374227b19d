package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// ConnectionTester checks that a server is reachable
type ConnectionTester interface {
	TestConnection(ctx context.Context, server models.Server) error
	Forget(serverID int64)
}

// ServerHandler handles server CRUD and connection tests
type ServerHandler struct {
	store  *store.Store
	orch   *backup.Orchestrator
	tester ConnectionTester
}

// NewServerHandler creates a server handler. tester may be nil.
func NewServerHandler(st *store.Store, orch *backup.Orchestrator, tester ConnectionTester) *ServerHandler {
	return &ServerHandler{store: st, orch: orch, tester: tester}
}

// ListServers GET /api/v1/servers
func (h *ServerHandler) ListServers(c *gin.Context) {
	servers, err := h.store.ListServers()
	if err != nil {
		respondError(c, err)
		return
	}
	if servers == nil {
		servers = []models.Server{}
	}
	c.JSON(http.StatusOK, servers)
}

// GetServer GET /api/v1/servers/:id
func (h *ServerHandler) GetServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	srv, err := h.store.GetServer(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, srv)
}

// CreateServer POST /api/v1/servers
func (h *ServerHandler) CreateServer(c *gin.Context) {
	var req models.ServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	srv, err := h.store.CreateServer(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, srv)
}

// UpdateServer PUT /api/v1/servers/:id
func (h *ServerHandler) UpdateServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.ServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	srv, err := h.store.UpdateServer(id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.tester != nil {
		h.tester.Forget(id)
	}
	c.JSON(http.StatusOK, srv)
}

// DeleteServer DELETE /api/v1/servers/:id
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.orch.DeleteServer(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if h.tester != nil {
		h.tester.Forget(id)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server deleted"})
}

// DeletionImpact GET /api/v1/servers/:id/deletion-impact
func (h *ServerHandler) DeletionImpact(c *gin.Context) {
	deletionImpact(c, h.orch, models.ScopeServer)
}

// TestConnection POST /api/v1/servers/:id/test-connection
func (h *ServerHandler) TestConnection(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	srv, err := h.store.GetServer(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.tester == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Connection testing is not available"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.tester.TestConnection(ctx, *srv); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func deletionImpact(c *gin.Context, orch *backup.Orchestrator, scope string) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := orch.GetDeletionImpact(scope, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}
