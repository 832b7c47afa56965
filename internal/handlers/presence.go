package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/pkg/response"
)

// PresenceHandler exposes availability snapshots and manual status changes.
type PresenceHandler struct {
	service *services.PresenceService
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(db *gorm.DB, hub *realtime.Hub) (*PresenceHandler, error) {
	service, err := services.NewPresenceService(db, hub)
	if err != nil {
		return nil, err
	}
	return &PresenceHandler{service: service}, nil
}

// Service exposes the presence service so the hub can report connection
// transitions through it.
func (h *PresenceHandler) Service() *services.PresenceService {
	return h.service
}

type setPresenceRequest struct {
	Presence string `json:"presence" validate:"required,oneof=online busy away"`
}

// Snapshot lists the presence of users visible to the caller.
func (h *PresenceHandler) Snapshot(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	users, err := h.service.Snapshot(requestContext(c), principal)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, users)
}

// Set updates the caller's availability.
func (h *PresenceHandler) Set(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req setPresenceRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.service.SetPresence(requestContext(c), principal, models.Presence(req.Presence)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"presence": req.Presence})
}
