package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ConversationStatus enumerates conversation lifecycle states.
type ConversationStatus string

const (
	ConversationWaiting ConversationStatus = "waiting"
	ConversationActive  ConversationStatus = "active"
	ConversationClosed  ConversationStatus = "closed"
)

// ConversationPriority orders the waiting queue.
type ConversationPriority string

const (
	PriorityLow    ConversationPriority = "low"
	PriorityNormal ConversationPriority = "normal"
	PriorityHigh   ConversationPriority = "high"
	PriorityUrgent ConversationPriority = "urgent"
)

// Weight maps priorities onto their numeric queue weights (1..4).
func (p ConversationPriority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Valid reports whether the priority is one of the recognised levels.
func (p ConversationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Conversation is a support thread between a client and (once accepted)
// exactly one agent.
//
// Invariants: active implies a non-nil AssignedAgentID; waiting implies a
// nil agent and a matching QueueEntry; closed implies ClosedAt/ClosedByID
// are set and no QueueEntry remains. Client, agent, and conversation must
// share a tenant.
type Conversation struct {
	BaseModel

	TenantID string `gorm:"type:uuid;not null;index" json:"tenant_id"`

	ClientID string `gorm:"type:uuid;not null;index" json:"client_id"`
	Client   *User  `gorm:"foreignKey:ClientID" json:"client,omitempty"`

	AssignedAgentID *string `gorm:"type:uuid;index" json:"assigned_agent_id"`
	AssignedAgent   *User   `gorm:"foreignKey:AssignedAgentID" json:"assigned_agent,omitempty"`

	Status   ConversationStatus   `gorm:"default:'waiting';index" json:"status"`
	Priority ConversationPriority `gorm:"default:'normal'" json:"priority"`

	Subject    string `json:"subject"`
	Department string `json:"department"`

	// Participants holds the user IDs allowed into the conversation room.
	Participants datatypes.JSON `json:"participants,omitempty"`

	LastActivityAt time.Time  `gorm:"index" json:"last_activity_at"`
	LastMessageAt  *time.Time `json:"last_message_at"`

	ClosedAt   *time.Time `json:"closed_at"`
	ClosedByID *string    `gorm:"type:uuid" json:"closed_by_id"`

	Rating        *int   `json:"rating"`
	RatingComment string `json:"rating_comment"`
}

// ParticipantIDs decodes the participant list.
func (c *Conversation) ParticipantIDs() []string {
	if len(c.Participants) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(c.Participants, &ids); err != nil {
		return nil
	}
	return ids
}

// HasParticipant reports whether the user may access the conversation room.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

// EncodeParticipants rebuilds the participant column from a list of IDs.
func EncodeParticipants(ids []string) datatypes.JSON {
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
