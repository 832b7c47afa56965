package realtime

import "fmt"

// Room name layout. Every room is namespaced by tenant except conversation
// rooms, whose membership is checked against the participant list instead.
func TenantRoom(tenantID string) string        { return fmt.Sprintf("tenant:%s", tenantID) }
func TenantAgentsRoom(tenantID string) string  { return fmt.Sprintf("tenant:%s:agents", tenantID) }
func TenantClientsRoom(tenantID string) string { return fmt.Sprintf("tenant:%s:clients", tenantID) }
func ConversationRoom(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

// Event names on the socket wire. Consumers key off these strings; they are
// part of the protocol and must not change.
const (
	EventNewMessage           = "new-message"
	EventConversationAccepted = "conversation-accepted"
	EventConversationClosed   = "conversation-closed"
	EventConversationReopened = "conversation-reopened"
	EventQueueUpdated         = "queue-updated"
	EventUserStatusChanged    = "user-status-changed"
	EventUserTyping           = "user-typing"
	EventSyncRequired         = "sync-required"
	EventSlowConsumer         = "slow-consumer"
)
