package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/tenant"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/response"
)

// TenantGuard rejects requests whose tenant is missing, inactive, or
// suspended. Bypass scopes pass through; they carry no tenant to check.
func TenantGuard(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := tenant.From(c.Request.Context())
		if !ok {
			response.Error(c, apperrors.ErrCrossTenant.WithMessage("missing tenant context"))
			c.Abort()
			return
		}
		if tc.IsBypass() {
			c.Next()
			return
		}

		var owner models.Tenant
		err := db.WithContext(c.Request.Context()).
			Where("id = ?", tc.TenantID()).
			First(&owner).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.Error(c, apperrors.ErrNotFound.WithMessage("Tenant not found"))
			} else {
				response.Error(c, apperrors.ErrStoreUnavailable.WithInternal(err))
			}
			c.Abort()
			return
		}

		if !owner.Operational() {
			response.Error(c, apperrors.ErrTenantSuspended)
			c.Abort()
			return
		}

		c.Next()
	}
}
