package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/models"
	appErrors "github.com/deskwire/deskwire/pkg/errors"
)

type allowListAuthorizer struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func (a *allowListAuthorizer) CanJoinConversation(ctx context.Context, tenantID, userID string, role models.Role, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allowed[userID+"/"+conversationID] {
		return nil
	}
	return appErrors.ErrForbidden
}

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()

	hub := NewHub(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, Identity{
			UserID:   r.URL.Query().Get("user"),
			TenantID: r.URL.Query().Get("tenant"),
			Role:     models.Role(r.URL.Query().Get("role")),
			Name:     r.URL.Query().Get("user"),
		})
	})
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &hubFixture{hub: hub, server: server}
}

func (f *hubFixture) dial(t *testing.T, tenantID, userID string, role models.Role) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"/ws?tenant=" + tenantID + "&user=" + userID + "&role=" + string(role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Every fresh session is told to resync first.
	msg := readMessage(t, conn)
	require.Equal(t, EventSyncRequired, msg.Event)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForSessions(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != want {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "waiting for %d sessions", want)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubTenantBroadcastIsolation(t *testing.T) {
	f := newHubFixture(t, Config{})

	agentA := f.dial(t, "tenant-a", "agent-a", models.RoleAgent)
	agentB := f.dial(t, "tenant-b", "agent-b", models.RoleAgent)
	waitForSessions(t, f.hub, 2)

	f.hub.BroadcastToTenant("tenant-a", Message{Event: EventQueueUpdated})

	msg := readMessage(t, agentA)
	require.Equal(t, EventQueueUpdated, msg.Event)
	require.Equal(t, TenantRoom("tenant-a"), msg.Room)

	require.NoError(t, agentB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray Message
	require.Error(t, agentB.ReadJSON(&stray), "tenant-b session must not receive tenant-a events")
}

func TestHubAgentsRoomExcludesClients(t *testing.T) {
	f := newHubFixture(t, Config{})

	agent := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	client := f.dial(t, "tenant-a", "client-1", models.RoleClient)
	waitForSessions(t, f.hub, 2)

	f.hub.BroadcastToAgents("tenant-a", Message{Event: EventQueueUpdated})

	msg := readMessage(t, agent)
	require.Equal(t, EventQueueUpdated, msg.Event)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray Message
	require.Error(t, client.ReadJSON(&stray))
}

func TestHubBroadcastToUserReachesAllSessions(t *testing.T) {
	f := newHubFixture(t, Config{})

	first := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	second := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	waitForSessions(t, f.hub, 2)

	f.hub.BroadcastToUser("tenant-a", "agent-1", Message{Event: EventConversationAccepted})

	require.Equal(t, EventConversationAccepted, readMessage(t, first).Event)
	require.Equal(t, EventConversationAccepted, readMessage(t, second).Event)
}

func TestHubConversationRoomAuthorization(t *testing.T) {
	auth := &allowListAuthorizer{allowed: map[string]bool{
		"agent-1/conv-1":  true,
		"client-1/conv-1": true,
	}}
	f := newHubFixture(t, Config{Authorizer: auth})

	agent := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	client := f.dial(t, "tenant-a", "client-1", models.RoleClient)
	outsider := f.dial(t, "tenant-a", "client-2", models.RoleClient)
	waitForSessions(t, f.hub, 3)

	for _, conn := range []*websocket.Conn{agent, client, outsider} {
		require.NoError(t, conn.WriteJSON(map[string]any{"action": "join", "conversation_id": "conv-1"}))
	}

	// The denied join is asynchronous; wait for exactly the allowed pair.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.hub.mu.RLock()
		members := len(f.hub.rooms[ConversationRoom("conv-1")])
		f.hub.mu.RUnlock()
		if members == 2 {
			break
		}
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano())
		time.Sleep(5 * time.Millisecond)
	}

	f.hub.BroadcastToConversation("conv-1", Message{Event: EventNewMessage})

	require.Equal(t, EventNewMessage, readMessage(t, agent).Event)
	require.Equal(t, EventNewMessage, readMessage(t, client).Event)

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray Message
	require.Error(t, outsider.ReadJSON(&stray))
}

func TestHubTypingRelayExcludesAuthor(t *testing.T) {
	auth := &allowListAuthorizer{allowed: map[string]bool{
		"agent-1/conv-1":  true,
		"client-1/conv-1": true,
	}}
	f := newHubFixture(t, Config{Authorizer: auth})

	agent := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	client := f.dial(t, "tenant-a", "client-1", models.RoleClient)
	waitForSessions(t, f.hub, 2)

	for _, conn := range []*websocket.Conn{agent, client} {
		require.NoError(t, conn.WriteJSON(map[string]any{"action": "join", "conversation_id": "conv-1"}))
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.hub.mu.RLock()
		members := len(f.hub.rooms[ConversationRoom("conv-1")])
		f.hub.mu.RUnlock()
		if members == 2 {
			break
		}
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano())
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, client.WriteJSON(map[string]any{
		"action": "typing", "conversation_id": "conv-1", "is_typing": true,
	}))

	msg := readMessage(t, agent)
	require.Equal(t, EventUserTyping, msg.Event)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "client-1", data["user_id"])
	require.Equal(t, true, data["is_typing"])

	require.NoError(t, client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray Message
	require.Error(t, client.ReadJSON(&stray), "author must not receive their own typing echo")
}

func TestHubPresenceCallbacks(t *testing.T) {
	var mu sync.Mutex
	events := make([]string, 0, 4)
	f := newHubFixture(t, Config{
		OnPresence: func(tenantID, userID string, online bool) {
			mu.Lock()
			defer mu.Unlock()
			state := "offline"
			if online {
				state = "online"
			}
			events = append(events, userID+":"+state)
		},
	})

	first := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	second := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	waitForSessions(t, f.hub, 2)

	require.NoError(t, first.Close())
	waitForSessions(t, f.hub, 1)
	require.NoError(t, second.Close())
	waitForSessions(t, f.hub, 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(events) >= 2
		mu.Unlock()
		if done {
			break
		}
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano())
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	// Only the first connect and last disconnect surface as transitions.
	require.Equal(t, []string{"agent-1:online", "agent-1:offline"}, events)
}

func TestHubConnectedUserIDs(t *testing.T) {
	f := newHubFixture(t, Config{})

	f.dial(t, "tenant-a", "agent-1", models.RoleAgent)
	f.dial(t, "tenant-a", "client-1", models.RoleClient)
	f.dial(t, "tenant-b", "agent-2", models.RoleAgent)
	waitForSessions(t, f.hub, 3)

	ids := f.hub.ConnectedUserIDs("tenant-a")
	require.ElementsMatch(t, []string{"agent-1", "client-1"}, ids)
}

func TestHubSweepNudgesIdleSessions(t *testing.T) {
	f := newHubFixture(t, Config{
		PingInterval:  time.Hour,
		SweepInterval: 25 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
	})

	conn := f.dial(t, "tenant-a", "agent-1", models.RoleAgent)

	// With pings disabled the session goes idle; the sweeper asks it to
	// resync rather than dropping it.
	msg := readMessage(t, conn)
	require.Equal(t, EventSyncRequired, msg.Event)
	require.EqualValues(t, 1, f.hub.SessionCount())
}
