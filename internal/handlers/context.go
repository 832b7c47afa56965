package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/middleware"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// currentPrincipal fetches the authenticated principal or writes a 401.
func currentPrincipal(c *gin.Context) (iauth.Principal, bool) {
	principal, ok := middleware.Principal(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return iauth.Principal{}, false
	}
	return principal, true
}
