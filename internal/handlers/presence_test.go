package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/services"
)

func TestPresenceSetAndSnapshot(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, "agent", http.MethodPut, "/api/presence", map[string]any{
		"presence": "busy",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := f.do(t, "admin", http.MethodGet, "/api/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeData[[]services.UserPresence](t, env)

	byID := map[string]services.UserPresence{}
	for _, u := range users {
		byID[u.UserID] = u
	}
	require.Equal(t, "busy", string(byID[f.users["agent"].ID].Presence))
}

func TestPresenceRejectsOffline(t *testing.T) {
	f := newAPIFixture(t)

	rec, env := f.do(t, "agent", http.MethodPut, "/api/presence", map[string]any{
		"presence": "offline",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, env.Error.Message, "one of")
}

func TestPresenceSnapshotFiltersClientView(t *testing.T) {
	f := newAPIFixture(t)

	// Clients only see agents and admins, never other clients.
	_, env := f.do(t, "client", http.MethodGet, "/api/presence", nil)
	users := decodeData[[]services.UserPresence](t, env)
	for _, u := range users {
		require.NotEqual(t, f.users["client"].ID, u.UserID)
	}
	require.Len(t, users, 2)
}
