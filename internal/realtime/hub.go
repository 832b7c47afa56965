package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/pkg/logger"
	"github.com/deskwire/deskwire/pkg/metrics"
)

const (
	defaultPingInterval  = 10 * time.Second
	defaultPongGrace     = 5 * time.Second
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultSendBuffer    = 64

	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
)

// Message is a JSON payload delivered to socket subscribers.
type Message struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type controlMessage struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// Identity is the verified principal behind a socket session. TenantID is
// always concrete; master principals pick a tenant before connecting.
type Identity struct {
	UserID   string
	TenantID string
	Role     models.Role
	Name     string
}

// RoomAuthorizer decides whether a session may join a conversation room.
type RoomAuthorizer interface {
	CanJoinConversation(ctx context.Context, tenantID, userID string, role models.Role, conversationID string) error
}

// Config tunes hub heartbeats and buffering. Zero values take defaults.
type Config struct {
	PingInterval  time.Duration
	PongGrace     time.Duration
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	SendBuffer    int

	Authorizer RoomAuthorizer
	// OnPresence fires when a user's first session connects or last session
	// disconnects. Called on its own goroutine.
	OnPresence func(tenantID, userID string, online bool)
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongGrace <= 0 {
		c.PongGrace = defaultPongGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Hub coordinates socket sessions and room fan-out for all tenants. Rooms
// are tenant-namespaced; a session can never join a room outside its tenant.
type Hub struct {
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	rooms    map[string]map[*session]struct{}
	sessions map[string]map[*session]struct{} // keyed by tenantID+"/"+userID

	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub constructs the hub and starts its liveness sweeper.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		cfg:      cfg.withDefaults(),
		log:      logger.WithModule("realtime"),
		rooms:    make(map[string]map[*session]struct{}),
		sessions: make(map[string]map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
		done: make(chan struct{}),
	}
	go h.sweepLoop()
	return h
}

// SetAuthorizer installs the conversation room authorizer. Install during
// bootstrap, before any session connects.
func (h *Hub) SetAuthorizer(a RoomAuthorizer) {
	h.cfg.Authorizer = a
}

// SetPresenceFunc installs the presence transition callback. Install during
// bootstrap, before any session connects.
func (h *Hub) SetPresenceFunc(fn func(tenantID, userID string, online bool)) {
	h.cfg.OnPresence = fn
}

// Close stops the sweeper and disconnects every session.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.RLock()
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.close()
	}
}

// Serve upgrades the request and runs the session until disconnect.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		hub:      h,
		socket:   conn,
		identity: id,
		rooms:    make(map[string]struct{}),
		send:     make(chan Message, h.cfg.SendBuffer),
	}
	s.touch()

	h.register(s)

	// A fresh session always refetches state; anything broadcast while the
	// client was away is gone.
	s.enqueue(Message{Event: EventSyncRequired})

	go s.writeLoop()
	s.readLoop()
}

// BroadcastToRoom fans a message out to every session in the room.
func (h *Hub) BroadcastToRoom(room string, msg Message) {
	msg.Room = room

	h.mu.RLock()
	targets := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

// BroadcastToConversation targets a conversation room.
func (h *Hub) BroadcastToConversation(conversationID string, msg Message) {
	h.BroadcastToRoom(ConversationRoom(conversationID), msg)
}

// BroadcastToTenant targets every session of a tenant.
func (h *Hub) BroadcastToTenant(tenantID string, msg Message) {
	h.BroadcastToRoom(TenantRoom(tenantID), msg)
}

// BroadcastToAgents targets the tenant's agent and admin sessions.
func (h *Hub) BroadcastToAgents(tenantID string, msg Message) {
	h.BroadcastToRoom(TenantAgentsRoom(tenantID), msg)
}

// BroadcastToUser delivers a message to all sessions of one user.
func (h *Hub) BroadcastToUser(tenantID, userID string, msg Message) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[userKey(tenantID, userID)]))
	for s := range h.sessions[userKey(tenantID, userID)] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

// ConnectedUserIDs returns the users with at least one live session in the
// tenant. Used for presence snapshots.
func (h *Hub) ConnectedUserIDs(tenantID string) []string {
	prefix := tenantID + "/"

	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for key, set := range h.sessions {
		if len(set) > 0 && strings.HasPrefix(key, prefix) {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	return ids
}

// SessionCount reports the number of live sessions across all tenants.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, set := range h.sessions {
		total += len(set)
	}
	return total
}

func (h *Hub) register(s *session) {
	key := userKey(s.identity.TenantID, s.identity.UserID)

	h.mu.Lock()
	if h.sessions[key] == nil {
		h.sessions[key] = make(map[*session]struct{})
	}
	first := len(h.sessions[key]) == 0
	h.sessions[key][s] = struct{}{}

	h.joinLocked(s, TenantRoom(s.identity.TenantID))
	switch s.identity.Role {
	case models.RoleClient:
		h.joinLocked(s, TenantClientsRoom(s.identity.TenantID))
	default:
		h.joinLocked(s, TenantAgentsRoom(s.identity.TenantID))
	}
	h.mu.Unlock()

	metrics.ConnectedSessions.Inc()

	if first && h.cfg.OnPresence != nil {
		go h.cfg.OnPresence(s.identity.TenantID, s.identity.UserID, true)
	}
}

func (h *Hub) unregister(s *session) {
	key := userKey(s.identity.TenantID, s.identity.UserID)

	h.mu.Lock()
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	set := h.sessions[key]
	if _, ok := set[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	metrics.ConnectedSessions.Dec()

	if last && h.cfg.OnPresence != nil {
		go h.cfg.OnPresence(s.identity.TenantID, s.identity.UserID, false)
	}
}

func (h *Hub) joinLocked(s *session, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(s *session, room string) {
	delete(s.rooms, room)
	members := h.rooms[room]
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) joinConversation(s *session, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	if h.cfg.Authorizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.cfg.Authorizer.CanJoinConversation(ctx, s.identity.TenantID, s.identity.UserID, s.identity.Role, conversationID)
		cancel()
		if err != nil {
			h.log.Warn("conversation room join denied",
				zap.String("user_id", s.identity.UserID),
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			return
		}
	}

	h.mu.Lock()
	h.joinLocked(s, ConversationRoom(conversationID))
	h.mu.Unlock()
}

func (h *Hub) leaveConversation(s *session, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	h.mu.Lock()
	if _, ok := s.rooms[ConversationRoom(conversationID)]; ok {
		h.leaveLocked(s, ConversationRoom(conversationID))
	}
	h.mu.Unlock()
}

// relayTyping forwards a typing notification to the conversation room,
// excluding the author. Typing state is never persisted.
func (h *Hub) relayTyping(s *session, conversationID string, isTyping bool) {
	room := ConversationRoom(conversationID)

	h.mu.RLock()
	if _, member := s.rooms[room]; !member {
		h.mu.RUnlock()
		return
	}
	targets := make([]*session, 0, len(h.rooms[room]))
	for peer := range h.rooms[room] {
		if peer != s {
			targets = append(targets, peer)
		}
	}
	h.mu.RUnlock()

	msg := Message{
		Event: EventUserTyping,
		Room:  room,
		Data: map[string]any{
			"conversation_id": conversationID,
			"user_id":         s.identity.UserID,
			"name":            s.identity.Name,
			"is_typing":       isTyping,
		},
	}
	for _, peer := range targets {
		peer.enqueue(msg)
	}
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep nudges sessions that went quiet. Dead peers are caught by the read
// deadline; a session that is alive but idle past the timeout gets a
// sync-required so the client re-fetches state it may have missed.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-h.cfg.IdleTimeout).UnixNano()

	h.mu.RLock()
	var stale []*session
	for _, set := range h.sessions {
		for s := range set {
			if s.lastActive.Load() < cutoff {
				stale = append(stale, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Debug("nudging idle socket session",
			zap.String("user_id", s.identity.UserID),
			zap.String("tenant_id", s.identity.TenantID),
		)
		s.enqueue(Message{Event: EventSyncRequired})
	}
}

type session struct {
	hub      *Hub
	socket   *websocket.Conn
	identity Identity

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	// sendMu serialises enqueue against channel close.
	sendMu sync.Mutex
	closed bool
	send   chan Message

	lastActive atomic.Int64
	once       sync.Once
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) pongWait() time.Duration {
	return s.hub.cfg.PingInterval + s.hub.cfg.PongGrace
}

func (s *session) readLoop() {
	defer s.close()

	s.socket.SetReadLimit(maxMessageSize)
	_ = s.socket.SetReadDeadline(time.Now().Add(s.pongWait()))
	s.socket.SetPongHandler(func(string) error {
		s.touch()
		_ = s.socket.SetReadDeadline(time.Now().Add(s.pongWait()))
		return nil
	})

	for {
		_, payload, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.hub.log.Debug("socket closed unexpectedly",
					zap.String("user_id", s.identity.UserID),
					zap.Error(err),
				)
			}
			return
		}
		s.touch()

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			s.hub.log.Warn("invalid socket control payload",
				zap.String("user_id", s.identity.UserID),
				zap.Error(err),
			)
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "join":
			s.hub.joinConversation(s, ctrl.ConversationID)
		case "leave":
			s.hub.leaveConversation(s, ctrl.ConversationID)
		case "typing":
			s.hub.relayTyping(s, ctrl.ConversationID, ctrl.IsTyping)
		case "ping":
			s.enqueue(Message{Event: "pong"})
		default:
			s.hub.log.Warn("unsupported socket action",
				zap.String("action", ctrl.Action),
				zap.String("user_id", s.identity.UserID),
			)
		}
	}
}

func (s *session) writeLoop() {
	defer s.close()

	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.socket.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue delivers without blocking. A full buffer marks the session a slow
// consumer: it is disconnected rather than allowed to stall the broadcast
// path, and will resync on reconnect.
func (s *session) enqueue(msg Message) {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	select {
	case s.send <- msg:
		s.sendMu.Unlock()
		return
	default:
	}
	s.sendMu.Unlock()

	metrics.BroadcastDrops.Inc()
	s.hub.log.Warn("dropping slow consumer",
		zap.String("user_id", s.identity.UserID),
		zap.String("tenant_id", s.identity.TenantID),
	)
	_ = s.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, EventSlowConsumer),
		time.Now().Add(time.Second))
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		s.hub.unregister(s)

		s.sendMu.Lock()
		s.closed = true
		close(s.send)
		s.sendMu.Unlock()

		_ = s.socket.Close()
	})
}

func userKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		if req, err := http.NewRequest(http.MethodGet, host, nil); err == nil {
			return hostWithoutPort(req.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
