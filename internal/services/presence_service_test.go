package services

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/models"
)

func newPresenceService(t *testing.T, f *fixture) *PresenceService {
	t.Helper()

	svc, err := NewPresenceService(f.db, nil)
	require.NoError(t, err)
	return svc
}

func loadPresence(t *testing.T, f *fixture, userID string) models.User {
	t.Helper()

	var user models.User
	require.NoError(t, f.db.Where("id = ?", userID).First(&user).Error)
	return user
}

func TestPresenceTransitions(t *testing.T) {
	f := newFixture(t)
	svc := newPresenceService(t, f)

	svc.HandleTransition(f.tenantA.ID, f.agent.ID, true)
	user := loadPresence(t, f, f.agent.ID)
	require.Equal(t, models.PresenceOnline, user.Presence)
	require.NotNil(t, user.LastSeenAt)

	svc.HandleTransition(f.tenantA.ID, f.agent.ID, false)
	user = loadPresence(t, f, f.agent.ID)
	require.Equal(t, models.PresenceOffline, user.Presence)
}

func TestPresenceTransitionHonoursTenantScope(t *testing.T) {
	f := newFixture(t)
	svc := newPresenceService(t, f)

	// A transition reported against the wrong tenant must not touch the row.
	svc.HandleTransition(f.tenantB.ID, f.agent.ID, true)
	user := loadPresence(t, f, f.agent.ID)
	require.Equal(t, models.PresenceOffline, user.Presence)
}

func TestSetPresenceValidatesState(t *testing.T) {
	f := newFixture(t)
	svc := newPresenceService(t, f)

	require.Error(t, svc.SetPresence(f.ctxA(), principalFor(f.agent), models.Presence("invisible")))
	require.Error(t, svc.SetPresence(f.ctxA(), principalFor(f.agent), models.PresenceOffline))

	require.NoError(t, svc.SetPresence(f.ctxA(), principalFor(f.agent), models.PresenceBusy))
	user := loadPresence(t, f, f.agent.ID)
	require.Equal(t, models.PresenceBusy, user.Presence)
}

func TestPresenceSnapshotRoleFiltering(t *testing.T) {
	f := newFixture(t)
	svc := newPresenceService(t, f)

	// Clients see staff only.
	rows, err := svc.Snapshot(f.ctxA(), principalFor(f.client))
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, models.RoleClient, row.Role)
	}
	require.Len(t, rows, 3)

	// Staff see everyone in the tenant, never tenant B.
	rows, err = svc.Snapshot(f.ctxA(), principalFor(f.admin))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, row := range rows {
		require.NotEqual(t, f.clientB.ID, row.UserID)
	}
}
