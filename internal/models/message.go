package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SenderRole identifies who authored a message.
type SenderRole string

const (
	SenderClient SenderRole = "client"
	SenderAgent  SenderRole = "agent"
	SenderAdmin  SenderRole = "admin"
	SenderSystem SenderRole = "system"
)

// MessageKind enumerates message payload kinds.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageFile     MessageKind = "file"
	MessageAudio    MessageKind = "audio"
	MessageVideo    MessageKind = "video"
	MessageDocument MessageKind = "document"
	MessageSystem   MessageKind = "system"
)

// Valid reports whether the kind is recognised. Unknown kinds are rejected
// at the API boundary rather than stored as open metadata.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageDocument, MessageSystem:
		return true
	}
	return false
}

// MessageAttachment references an uploaded file from a message.
type MessageAttachment struct {
	FileID      string `json:"file_id"`
	StorageKey  string `json:"storage_key"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Message is an append-only entry in a conversation. SenderID is nil only
// for system messages.
type Message struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	TenantID       string `gorm:"type:uuid;not null;index:idx_messages_tenant_conv_created,priority:1" json:"tenant_id"`
	ConversationID string `gorm:"type:uuid;not null;index:idx_messages_tenant_conv_created,priority:2" json:"conversation_id"`

	SenderID   *string    `gorm:"type:uuid" json:"sender_id"`
	SenderRole SenderRole `gorm:"not null" json:"sender_role"`

	Kind MessageKind `gorm:"default:'text'" json:"kind"`
	Body string      `json:"body"`

	// Attachments holds []MessageAttachment as JSON.
	Attachments datatypes.JSON `json:"attachments,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_messages_tenant_conv_created,priority:3" json:"created_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = newID()
	}
	return nil
}

// AttachmentList decodes the attachment column.
func (m *Message) AttachmentList() []MessageAttachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	var list []MessageAttachment
	if err := json.Unmarshal(m.Attachments, &list); err != nil {
		return nil
	}
	return list
}

// EncodeAttachments renders an attachment list for storage.
func EncodeAttachments(list []MessageAttachment) datatypes.JSON {
	if len(list) == 0 {
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
