package models

import (
	"fmt"
	"strings"
	"time"
)

// UploadState tracks the lifecycle of an uploaded object.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadCommitted UploadState = "committed"
	UploadOrphaned  UploadState = "orphaned"
)

// StorageKeyPrefix returns the mandatory leading segment for all objects
// belonging to a tenant. Every stored key must begin with it; the prefix is
// the backbone of file-level tenant isolation.
func StorageKeyPrefix(tenantID string) string {
	return fmt.Sprintf("tenants/%s/", tenantID)
}

// File records an object stored on behalf of a tenant.
type File struct {
	BaseModel

	TenantID   string `gorm:"type:uuid;not null;index" json:"tenant_id"`
	StorageKey string `gorm:"uniqueIndex;not null" json:"storage_key"`

	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`

	UploaderID     string  `gorm:"type:uuid;not null" json:"uploader_id"`
	ConversationID *string `gorm:"type:uuid;index" json:"conversation_id"`
	MessageID      *string `gorm:"type:uuid" json:"message_id"`

	State UploadState `gorm:"default:'pending';index" json:"state"`

	// PresignExpiresAt bounds how long a pending record may await confirmation.
	PresignExpiresAt *time.Time `json:"presign_expires_at"`
}

// KeyMatchesTenant validates the storage key against the owning tenant prefix.
func (f *File) KeyMatchesTenant() bool {
	return KeyBelongsToTenant(f.StorageKey, f.TenantID)
}

// KeyBelongsToTenant reports whether a raw key sits inside a tenant namespace.
func KeyBelongsToTenant(key, tenantID string) bool {
	return tenantID != "" && strings.HasPrefix(key, StorageKeyPrefix(tenantID))
}
