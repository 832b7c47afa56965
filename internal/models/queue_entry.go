package models

import (
	"time"

	"gorm.io/gorm"
)

// QueueEntry marks a conversation as awaiting assignment. Exactly one entry
// exists per waiting conversation; none otherwise. Priority is copied from
// the conversation's weight at insert so ordering survives later edits.
type QueueEntry struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	TenantID       string `gorm:"type:uuid;not null;index:idx_queue_tenant_conv,unique,priority:1;index:idx_queue_order,priority:1" json:"tenant_id"`
	ConversationID string `gorm:"type:uuid;not null;index:idx_queue_tenant_conv,unique,priority:2" json:"conversation_id"`

	Priority  int       `gorm:"not null;index:idx_queue_order,priority:2,sort:desc" json:"priority"`
	CreatedAt time.Time `gorm:"index:idx_queue_order,priority:3" json:"created_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (q *QueueEntry) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = newID()
	}
	return nil
}
