package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/pkg/response"
)

// QueueHandler exposes the waiting queue and the accept/assign operations.
type QueueHandler struct {
	service *services.QueueService
}

// NewQueueHandler constructs a queue handler.
func NewQueueHandler(db *gorm.DB, lockManager locks.Manager, hub *realtime.Hub, publisher events.Publisher, cfg services.QueueConfig) (*QueueHandler, error) {
	service, err := services.NewQueueService(db, lockManager, hub, publisher, cfg)
	if err != nil {
		return nil, err
	}
	return &QueueHandler{service: service}, nil
}

// Service exposes the queue service for lifecycle wiring.
func (h *QueueHandler) Service() *services.QueueService {
	return h.service
}

type assignRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
}

// Accept claims a waiting conversation for the calling agent.
func (h *QueueHandler) Accept(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	conversation, err := h.service.Accept(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

// Assign forces a conversation onto a specific agent. Admin only.
func (h *QueueHandler) Assign(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req assignRequest
	if !bindAndValidate(c, &req) {
		return
	}

	conversation, err := h.service.Assign(requestContext(c), principal, strings.TrimSpace(c.Param("id")), req.AgentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

// Status reports queue depth and wait estimates for the current tenant.
func (h *QueueHandler) Status(c *gin.Context) {
	status, err := h.service.Status(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, status)
}

// Entries lists waiting conversations in service order.
func (h *QueueHandler) Entries(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)

	items, err := h.service.Entries(requestContext(c), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// Position reports where a waiting conversation sits in the queue.
func (h *QueueHandler) Position(c *gin.Context) {
	position, err := h.service.Position(requestContext(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"position": position})
}
