package tenant

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/deskwire/deskwire/pkg/logger"
)

type ctxKey struct{}

// Context carries the tenant scope for one logical request. It is an
// immutable value placed on the request context; concurrent requests never
// share mutable scope state and no package-level carrier exists.
type Context struct {
	tenantID string
	bypass   bool
	actorID  string
}

// Scope builds a concrete tenant scope.
func Scope(tenantID string) Context {
	return Context{tenantID: strings.TrimSpace(tenantID)}
}

// MasterBypass builds the cross-tenant sentinel scope. It is available only
// to master principals and explicit maintenance pathways; every construction
// is logged so bypass use stays auditable.
func MasterBypass(actorID, reason string) Context {
	logger.WithModule("tenant").Warn("tenant scope bypass granted",
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
	)
	return Context{bypass: true, actorID: actorID}
}

// TenantID returns the concrete tenant, empty for bypass scopes.
func (c Context) TenantID() string { return c.tenantID }

// IsBypass reports whether the scope crosses tenants.
func (c Context) IsBypass() bool { return c.bypass }

// ActorID identifies the principal a bypass scope was granted to.
func (c Context) ActorID() string { return c.actorID }

// Into installs the scope on a request context.
func Into(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From extracts the scope from a request context.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	if !ok {
		return Context{}, false
	}
	if !tc.bypass && tc.tenantID == "" {
		return Context{}, false
	}
	return tc, true
}
