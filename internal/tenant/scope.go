package tenant

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/logger"
)

// ApplyScope returns a gorm scope that injects the tenant predicate into
// finds, counts, aggregates, updates, and deletes. A query built without a
// scope on a tenant-owned table fails with CrossTenantViolation instead of
// running unscoped.
func ApplyScope(ctx context.Context) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		tc, ok := From(ctx)
		if !ok {
			_ = db.AddError(apperrors.ErrCrossTenant.WithMessage("missing tenant context"))
			return db
		}

		if tc.IsBypass() {
			logger.WithModule("tenant").Warn("tenant scope bypassed on query",
				zap.String("actor_id", tc.ActorID()),
			)
			return db
		}

		return db.Where("tenant_id = ?", tc.TenantID())
	}
}

// Require returns the scope on the context or CrossTenantViolation.
func Require(ctx context.Context) (Context, error) {
	tc, ok := From(ctx)
	if !ok {
		return Context{}, apperrors.ErrCrossTenant.WithMessage("missing tenant context")
	}
	return tc, nil
}

// CheckWrite resolves the tenant value for an insert. The context tenant is
// forced onto the row; a caller-supplied value that disagrees fails with
// CrossTenantViolation. Bypass scopes must name the tenant explicitly.
func CheckWrite(ctx context.Context, supplied string) (string, error) {
	tc, err := Require(ctx)
	if err != nil {
		return "", err
	}

	if tc.IsBypass() {
		if supplied == "" {
			return "", apperrors.ErrCrossTenant.WithMessage("bypass writes must name a tenant")
		}
		logger.WithModule("tenant").Warn("tenant scope bypassed on write",
			zap.String("actor_id", tc.ActorID()),
			zap.String("tenant_id", supplied),
		)
		return supplied, nil
	}

	if supplied != "" && supplied != tc.TenantID() {
		return "", apperrors.ErrCrossTenant
	}
	return tc.TenantID(), nil
}

// SanitizeUpdates strips tenant reassignment from an update document.
// The tenant column of an existing row is immutable.
func SanitizeUpdates(updates map[string]any) map[string]any {
	if updates == nil {
		return nil
	}
	delete(updates, "tenant_id")
	delete(updates, "TenantID")
	return updates
}
