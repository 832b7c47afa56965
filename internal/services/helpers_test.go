package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/database/testutil"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/tenant"
)

type fixture struct {
	db *gorm.DB

	tenantA models.Tenant
	tenantB models.Tenant

	client  models.User
	agent   models.User
	agent2  models.User
	admin   models.User
	clientB models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{db: testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())}

	f.tenantA = models.Tenant{
		Name:                   "Acme",
		Slug:                   "acme",
		IsActive:               true,
		SubscriptionStatus:     models.SubscriptionActive,
		StorageQuotaBytes:      1 << 20, // 1 MiB
		StorageWarningFraction: 0.8,
		MaxFileSizeBytes:       256 << 10,
	}
	f.tenantB = models.Tenant{
		Name:               "Borg",
		Slug:               "borg",
		IsActive:           true,
		SubscriptionStatus: models.SubscriptionActive,
	}
	require.NoError(t, f.db.Create(&f.tenantA).Error)
	require.NoError(t, f.db.Create(&f.tenantB).Error)

	f.client = f.seedUser(t, f.tenantA.ID, "client@acme.test", "Acme Client", models.RoleClient)
	f.agent = f.seedUser(t, f.tenantA.ID, "agent@acme.test", "Alice Agent", models.RoleAgent)
	f.agent2 = f.seedUser(t, f.tenantA.ID, "agent2@acme.test", "Bob Agent", models.RoleAgent)
	f.admin = f.seedUser(t, f.tenantA.ID, "admin@acme.test", "Acme Admin", models.RoleAdmin)
	f.clientB = f.seedUser(t, f.tenantB.ID, "client@borg.test", "Borg Client", models.RoleClient)

	return f
}

func (f *fixture) seedUser(t *testing.T, tenantID, email, name string, role models.Role) models.User {
	t.Helper()

	user := models.User{
		Email:    email,
		Name:     name,
		TenantID: &tenantID,
		Role:     role,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(&user).Error)
	return user
}

func (f *fixture) ctxA() context.Context {
	return tenant.Into(context.Background(), tenant.Scope(f.tenantA.ID))
}

func (f *fixture) ctxB() context.Context {
	return tenant.Into(context.Background(), tenant.Scope(f.tenantB.ID))
}

func principalFor(user models.User) auth.Principal {
	p := auth.Principal{
		UserID: user.ID,
		Role:   user.Role,
		Email:  user.Email,
		Name:   user.Name,
	}
	if user.TenantID != nil {
		p.TenantID = *user.TenantID
	}
	return p
}
