package models

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SubscriptionStatus enumerates tenant subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Tenant is the isolation unit. Created and administered externally;
// the dispatch core only reads it.
type Tenant struct {
	BaseModel

	Name string `gorm:"not null" json:"name"`
	Slug string `gorm:"uniqueIndex;not null" json:"slug"`

	IsActive           bool               `gorm:"default:true" json:"is_active"`
	SubscriptionStatus SubscriptionStatus `gorm:"default:'active'" json:"subscription_status"`

	// Modules carries per-module toggles and caps as opaque JSON settings.
	Modules datatypes.JSON `json:"modules,omitempty"`

	StorageQuotaBytes      int64          `json:"storage_quota_bytes"`
	StorageWarningFraction float64        `gorm:"default:0.8" json:"storage_warning_fraction"`
	AllowStorageOverage    bool           `gorm:"default:false" json:"allow_storage_overage"`
	MaxFileSizeBytes       int64          `json:"max_file_size_bytes"`
	AllowedFileTypes       datatypes.JSON `json:"allowed_file_types,omitempty"`

	Users []User `gorm:"foreignKey:TenantID" json:"-"`
}

// BeforeSave case-folds the slug; slugs are globally unique post-folding.
func (t *Tenant) BeforeSave(tx *gorm.DB) error {
	t.Slug = strings.ToLower(strings.TrimSpace(t.Slug))
	return nil
}

// Operational reports whether the tenant may open sessions and mutate data.
func (t *Tenant) Operational() bool {
	return t.IsActive && t.SubscriptionStatus == SubscriptionActive
}

// AllowedMIMETypes decodes the allowed file type list. An empty list means
// the tenant has no MIME restrictions.
func (t *Tenant) AllowedMIMETypes() []string {
	if len(t.AllowedFileTypes) == 0 {
		return nil
	}
	var types []string
	if err := json.Unmarshal(t.AllowedFileTypes, &types); err != nil {
		return nil
	}
	return types
}

// AllowsMIMEType checks a content type against the tenant allow-list.
func (t *Tenant) AllowsMIMEType(contentType string) bool {
	allowed := t.AllowedMIMETypes()
	if len(allowed) == 0 {
		return true
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == contentType {
			return true
		}
		// "image/*" style entries match the major type.
		if strings.HasSuffix(candidate, "/*") && strings.HasPrefix(contentType, strings.TrimSuffix(candidate, "*")) {
			return true
		}
	}
	return false
}
