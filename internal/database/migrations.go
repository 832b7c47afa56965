package database

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Tenant{},
		&models.User{},
		&models.Conversation{},
		&models.Message{},
		&models.QueueEntry{},
		&models.File{},
	)
}

const (
	seedTenantID = "00000000-0000-4000-8000-000000000001"
	seedMasterID = "00000000-0000-4000-8000-0000000000aa"
	seedAdminID  = "00000000-0000-4000-8000-0000000000ab"
	seedAgentID  = "00000000-0000-4000-8000-0000000000ac"
	seedClientID = "00000000-0000-4000-8000-0000000000ad"
)

// SeedData populates a demo tenant and one user per role for development.
// Records are created idempotently; existing rows are never modified.
func SeedData(db *gorm.DB) error {
	allowedTypes, err := json.Marshal([]string{"image/*", "application/pdf", "text/plain", "audio/*", "video/*"})
	if err != nil {
		return err
	}

	tenant := models.Tenant{
		BaseModel:              models.BaseModel{ID: seedTenantID},
		Name:                   "Demo Workspace",
		Slug:                   "demo",
		IsActive:               true,
		SubscriptionStatus:     models.SubscriptionActive,
		StorageQuotaBytes:      1 << 30, // 1 GiB
		StorageWarningFraction: 0.8,
		MaxFileSizeBytes:       25 << 20,
		AllowedFileTypes:       datatypes.JSON(allowedTypes),
	}
	if err := db.Where(models.Tenant{Slug: tenant.Slug}).Attrs(tenant).FirstOrCreate(&models.Tenant{}).Error; err != nil {
		return err
	}

	tenantID := seedTenantID
	now := time.Now().UTC()
	users := []models.User{
		{
			ID:       seedMasterID,
			Email:    "master@deskwire.local",
			Name:     "Platform Operator",
			Role:     models.RoleMaster,
			IsActive: true,
		},
		{
			ID:       seedAdminID,
			Email:    "admin@demo.deskwire.local",
			Name:     "Demo Admin",
			TenantID: &tenantID,
			Role:     models.RoleAdmin,
			IsActive: true,
		},
		{
			ID:       seedAgentID,
			Email:    "agent@demo.deskwire.local",
			Name:     "Demo Agent",
			TenantID: &tenantID,
			Role:     models.RoleAgent,
			IsActive: true,
		},
		{
			ID:       seedClientID,
			Email:    "client@demo.deskwire.local",
			Name:     "Demo Client",
			TenantID: &tenantID,
			Role:     models.RoleClient,
			IsActive: true,
		},
	}

	for _, user := range users {
		user.CreatedAt = now
		if err := db.Where(models.User{Email: user.Email}).Attrs(user).FirstOrCreate(&models.User{}).Error; err != nil {
			return err
		}
	}

	return nil
}
