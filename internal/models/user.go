package models

import (
	"time"

	"gorm.io/gorm"
)

// Role enumerates principal roles. Master is cross-tenant and bypasses
// tenant scoping; everyone else is pinned to exactly one tenant.
type Role string

const (
	RoleMaster Role = "master"
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// Presence enumerates realtime availability states.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceBusy    Presence = "busy"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// User describes an authenticated principal. Identity is minted externally;
// the core persists only what dispatch needs: tenant binding, role,
// activity flag, and presence.
type User struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Email string `gorm:"not null;index:idx_users_tenant_email,unique" json:"email"`
	Name  string `json:"name"`

	// TenantID is nil only for master principals and immutable after creation.
	TenantID *string `gorm:"type:uuid;index:idx_users_tenant_email,unique" json:"tenant_id"`
	Tenant   *Tenant `json:"-"`

	Role     Role `gorm:"not null;index" json:"role"`
	IsActive bool `gorm:"default:true" json:"is_active"`

	Presence   Presence   `gorm:"default:'offline'" json:"presence"`
	LastSeenAt *time.Time `json:"last_seen_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = newID()
	}
	return nil
}

// IsMaster reports whether the principal operates across tenants.
func (u *User) IsMaster() bool { return u.Role == RoleMaster }

// CanHandleConversations reports whether the role may take assignments.
func (u *User) CanHandleConversations() bool {
	return u.Role == RoleAgent || u.Role == RoleAdmin
}

// BelongsToTenant reports whether the principal is bound to the tenant.
func (u *User) BelongsToTenant(tenantID string) bool {
	return u.TenantID != nil && *u.TenantID == tenantID
}
