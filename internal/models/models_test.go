package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestPriorityWeights(t *testing.T) {
	require.Equal(t, 4, PriorityUrgent.Weight())
	require.Equal(t, 3, PriorityHigh.Weight())
	require.Equal(t, 2, PriorityNormal.Weight())
	require.Equal(t, 1, PriorityLow.Weight())

	require.True(t, PriorityUrgent.Valid())
	require.False(t, ConversationPriority("critical").Valid())
}

func TestTenantAllowsMIMEType(t *testing.T) {
	raw, err := json.Marshal([]string{"image/png", "application/pdf", "video/*"})
	require.NoError(t, err)

	tenant := Tenant{AllowedFileTypes: datatypes.JSON(raw)}

	require.True(t, tenant.AllowsMIMEType("image/png"))
	require.True(t, tenant.AllowsMIMEType("IMAGE/PNG"))
	require.True(t, tenant.AllowsMIMEType("video/mp4"))
	require.False(t, tenant.AllowsMIMEType("application/zip"))

	unrestricted := Tenant{}
	require.True(t, unrestricted.AllowsMIMEType("anything/at-all"))
}

func TestTenantOperational(t *testing.T) {
	tenant := Tenant{IsActive: true, SubscriptionStatus: SubscriptionActive}
	require.True(t, tenant.Operational())

	tenant.SubscriptionStatus = SubscriptionSuspended
	require.False(t, tenant.Operational())

	tenant.SubscriptionStatus = SubscriptionActive
	tenant.IsActive = false
	require.False(t, tenant.Operational())
}

func TestStorageKeyTenantPrefix(t *testing.T) {
	key := "tenants/t-1/image/2025/09/abc-logo.png"
	require.True(t, KeyBelongsToTenant(key, "t-1"))
	require.False(t, KeyBelongsToTenant(key, "t-2"))
	require.False(t, KeyBelongsToTenant("uploads/t-1/file.png", "t-1"))

	file := File{TenantID: "t-1", StorageKey: key}
	require.True(t, file.KeyMatchesTenant())
}

func TestConversationParticipants(t *testing.T) {
	conv := Conversation{Participants: EncodeParticipants([]string{"u-1", "u-2"})}
	require.True(t, conv.HasParticipant("u-1"))
	require.False(t, conv.HasParticipant("u-3"))
	require.Len(t, conv.ParticipantIDs(), 2)
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	msg := Message{Attachments: EncodeAttachments([]MessageAttachment{{
		FileID:      "f-1",
		StorageKey:  "tenants/t-1/document/2025/09/abc-report.pdf",
		Name:        "report.pdf",
		ContentType: "application/pdf",
		SizeBytes:   2048,
	}})}

	list := msg.AttachmentList()
	require.Len(t, list, 1)
	require.Equal(t, "f-1", list[0].FileID)

	var empty Message
	require.Nil(t, empty.AttachmentList())
}

func TestUserRoleHelpers(t *testing.T) {
	tenantID := "t-1"
	agent := User{Role: RoleAgent, TenantID: &tenantID}
	require.True(t, agent.CanHandleConversations())
	require.True(t, agent.BelongsToTenant("t-1"))
	require.False(t, agent.BelongsToTenant("t-2"))

	master := User{Role: RoleMaster}
	require.True(t, master.IsMaster())
	require.False(t, master.BelongsToTenant("t-1"))

	client := User{Role: RoleClient, TenantID: &tenantID}
	require.False(t, client.CanHandleConversations())
}
