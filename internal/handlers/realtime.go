package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/middleware"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/response"
)

// RealtimeHandler upgrades HTTP connections into authenticated socket
// sessions on the hub.
type RealtimeHandler struct {
	db  *gorm.DB
	hub *realtime.Hub
	jwt *iauth.JWTService
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(db *gorm.DB, hub *realtime.Hub, jwt *iauth.JWTService) *RealtimeHandler {
	return &RealtimeHandler{db: db, hub: hub, jwt: jwt}
}

// Stream validates the caller and upgrades the request. Browsers cannot set
// headers on websocket dials, so the token may also arrive as a query
// parameter. Master principals must name a tenant; the hub only speaks in
// concrete tenant rooms.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h.jwt == nil || h.hub == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	if token == "" {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	principal, err := h.jwt.ValidatePrincipal(token)
	if err != nil {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	tenantID := principal.TenantID
	if principal.IsMaster() {
		tenantID = strings.TrimSpace(c.Query("tenant_id"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(c.GetHeader(middleware.TenantHeader))
		}
		if tenantID == "" {
			response.Error(c, apperrors.NewBadRequest("master sessions must name a tenant"))
			return
		}
	}

	// A signature check alone is not enough: the token may outlive the
	// account or the subscription. Re-validate both before upgrading.
	if !principal.IsMaster() {
		var user models.User
		err := h.db.WithContext(c.Request.Context()).
			Where("id = ?", principal.UserID).
			First(&user).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.Error(c, apperrors.ErrUnauthenticated)
			} else {
				response.Error(c, apperrors.ErrStoreUnavailable.WithInternal(err))
			}
			return
		}
		if !user.IsActive {
			response.Error(c, apperrors.ErrForbidden.WithMessage("Account is deactivated"))
			return
		}
	}

	var owner models.Tenant
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ?", tenantID).
		First(&owner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.ErrNotFound.WithMessage("Tenant not found"))
		} else {
			response.Error(c, apperrors.ErrStoreUnavailable.WithInternal(err))
		}
		return
	}
	if !owner.Operational() {
		response.Error(c, apperrors.ErrTenantSuspended)
		return
	}

	h.hub.Serve(c.Writer, c.Request, realtime.Identity{
		UserID:   principal.UserID,
		TenantID: tenantID,
		Role:     principal.Role,
		Name:     principal.Name,
	})
}
