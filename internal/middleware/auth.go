package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/tenant"
	"github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/response"
)

const (
	CtxPrincipalKey = "authPrincipal"
	CtxUserIDKey    = "userID"

	// TenantHeader lets master principals pin a request to one tenant.
	TenantHeader = "X-Tenant-ID"
)

// Auth enforces bearer authentication and installs the tenant scope on the
// request context. Non-master principals are always scoped to their own
// tenant; masters are scoped to the tenant named in the header, or get an
// audited bypass scope when none is given.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthenticated)
			c.Abort()
			return
		}

		principal, err := jwt.ValidatePrincipal(strings.TrimSpace(authz[7:]))
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthenticated)
			c.Abort()
			return
		}

		var scope tenant.Context
		if principal.IsMaster() {
			if pinned := strings.TrimSpace(c.GetHeader(TenantHeader)); pinned != "" {
				principal.TenantID = pinned
				scope = tenant.Scope(pinned)
			} else {
				scope = tenant.MasterBypass(principal.UserID, "master request without tenant header")
			}
		} else {
			scope = tenant.Scope(principal.TenantID)
		}

		c.Set(CtxPrincipalKey, principal)
		c.Set(CtxUserIDKey, principal.UserID)
		c.Request = c.Request.WithContext(tenant.Into(c.Request.Context(), scope))

		c.Next()
	}
}

// Principal extracts the authenticated principal installed by Auth.
func Principal(c *gin.Context) (iauth.Principal, bool) {
	value, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return iauth.Principal{}, false
	}
	principal, ok := value.(iauth.Principal)
	return principal, ok
}
