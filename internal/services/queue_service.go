package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/tenant"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/metrics"
)

// QueueConfig tunes the assignment critical section and the reconciler.
type QueueConfig struct {
	AcceptLockTTL     time.Duration
	AcceptRetries     int
	AcceptRetryDelay  time.Duration
	ReconcileInterval time.Duration

	// AgentConcurrencyCap bounds active conversations per agent.
	AgentConcurrencyCap int
	// EstimatedWaitPerItem seeds wait estimates until real accepts have
	// been observed.
	EstimatedWaitPerItem time.Duration
	// DispatchInterval paces the system-initiated assignment sweep.
	DispatchInterval time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.AcceptLockTTL <= 0 {
		c.AcceptLockTTL = 10 * time.Second
	}
	if c.AcceptRetries <= 0 {
		c.AcceptRetries = 3
	}
	if c.AcceptRetryDelay <= 0 {
		c.AcceptRetryDelay = 200 * time.Millisecond
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 2 * time.Second
	}
	if c.AgentConcurrencyCap <= 0 {
		c.AgentConcurrencyCap = 3
	}
	if c.EstimatedWaitPerItem <= 0 {
		c.EstimatedWaitPerItem = 5 * time.Minute
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 2 * time.Second
	}
	return c
}

// QueueStatus summarises a tenant's waiting queue.
type QueueStatus struct {
	Depth                int64            `json:"depth"`
	ByPriority           map[string]int64 `json:"by_priority"`
	AvailableAgents      int64            `json:"available_agents"`
	BusyAgents           int64            `json:"busy_agents"`
	LongestWaitSeconds   int64            `json:"longest_wait_seconds"`
	EstimatedWaitSeconds int64            `json:"estimated_wait_seconds"`
}

// QueueItem pairs a queue entry with its conversation for agent dashboards.
type QueueItem struct {
	Entry        models.QueueEntry   `json:"entry"`
	Conversation models.Conversation `json:"conversation"`
}

// QueueService owns assignment: the waiting queue, the accept race, and
// admin-forced assignment. Every assignment mutation runs inside the
// per-conversation lock plus a conditional update, so exactly one agent
// wins no matter how many accept simultaneously.
type QueueService struct {
	db        *gorm.DB
	locks     locks.Manager
	hub       *realtime.Hub
	publisher events.Publisher
	cfg       QueueConfig
	now       func() time.Time

	mu sync.Mutex
	// acceptEWMA tracks recent time-in-queue at accept, feeding wait estimates.
	acceptEWMA time.Duration
	lastDepth  map[string]int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewQueueService constructs a QueueService.
func NewQueueService(db *gorm.DB, lockManager locks.Manager, hub *realtime.Hub, publisher events.Publisher, cfg QueueConfig) (*QueueService, error) {
	if db == nil {
		return nil, errors.New("queue service: db is required")
	}
	if lockManager == nil {
		return nil, errors.New("queue service: lock manager is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &QueueService{
		db:        db,
		locks:     lockManager,
		hub:       hub,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		lastDepth: make(map[string]int64),
		done:      make(chan struct{}),
	}, nil
}

// Accept lets an agent claim a waiting conversation. Losers of the race get
// AlreadyAccepted naming the winner; callers that cannot even enter the
// critical section within the retry budget get Busy.
func (s *QueueService) Accept(ctx context.Context, actor auth.Principal, conversationID string) (*models.Conversation, error) {
	if actor.Role != models.RoleAgent && actor.Role != models.RoleAdmin {
		return nil, apperrors.ErrForbidden.WithMessage("Only agents accept conversations")
	}
	return s.claim(ctx, actor, conversationID, actor.UserID, false)
}

// Assign lets an admin hand a conversation to a specific agent, including
// reassigning an active one.
func (s *QueueService) Assign(ctx context.Context, actor auth.Principal, conversationID, agentID string) (*models.Conversation, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleMaster {
		return nil, apperrors.ErrForbidden.WithMessage("Only admins assign conversations")
	}

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, apperrors.NewBadRequest("Agent id is required")
	}

	var agent models.User
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", agentID).
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("Agent not found")
		}
		return nil, fmt.Errorf("queue service: load agent: %w", err)
	}
	if !agent.CanHandleConversations() || !agent.IsActive {
		return nil, apperrors.NewBadRequest("User cannot handle conversations")
	}

	return s.claim(ctx, actor, conversationID, agentID, true)
}

func (s *QueueService) claim(ctx context.Context, actor auth.Principal, conversationID, agentID string, forced bool) (*models.Conversation, error) {
	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == models.ConversationClosed {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Conversation is closed")
	}
	if conversation.Status == models.ConversationActive && !forced {
		return nil, s.alreadyAcceptedError(ctx, conversation)
	}

	resource := locks.ConversationResource(conversation.TenantID, conversation.ID)
	opts := locks.Options{
		TTL:        s.cfg.AcceptLockTTL,
		Retry:      true,
		MaxRetries: s.cfg.AcceptRetries,
		RetryDelay: s.cfg.AcceptRetryDelay,
	}

	var waited time.Duration
	err = locks.WithLock(ctx, s.locks, resource, agentID, opts, func(ctx context.Context) error {
		return runTx(ctx, s.db, func(tx *gorm.DB) error {
			now := s.now().UTC()

			var entry models.QueueEntry
			entryErr := tx.Where("conversation_id = ?", conversation.ID).First(&entry).Error
			if entryErr == nil {
				waited = now.Sub(entry.CreatedAt)
			}

			// Eligibility reads outside the lock are stale by the time
			// we get here, so the cap is re-checked transactionally.
			if !forced {
				var active int64
				if err := tx.Model(&models.Conversation{}).
					Where("tenant_id = ? AND assigned_agent_id = ? AND status = ?",
						conversation.TenantID, agentID, models.ConversationActive).
					Count(&active).Error; err != nil {
					return fmt.Errorf("queue service: count active assignments: %w", err)
				}
				if active >= int64(s.cfg.AgentConcurrencyCap) {
					return apperrors.ErrForbidden.WithMessage("Agent has reached the concurrency cap")
				}
			}

			allowedFrom := []any{models.ConversationWaiting}
			if forced {
				allowedFrom = append(allowedFrom, models.ConversationActive)
			}
			result := tx.Model(&models.Conversation{}).
				Where("id = ? AND tenant_id = ? AND status IN ?", conversation.ID, conversation.TenantID, allowedFrom).
				Updates(map[string]any{
					"status":            models.ConversationActive,
					"assigned_agent_id": agentID,
					"participants":      models.EncodeParticipants([]string{conversation.ClientID, agentID}),
					"last_activity_at":  now,
				})
			if result.Error != nil {
				return fmt.Errorf("queue service: claim conversation: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				var fresh models.Conversation
				if loadErr := tx.Scopes(tenant.ApplyScope(ctx)).
					Where("id = ?", conversation.ID).
					First(&fresh).Error; loadErr != nil {
					return fmt.Errorf("queue service: reload conversation: %w", loadErr)
				}
				if fresh.Status == models.ConversationClosed {
					return apperrors.ErrInvalidTransition.WithMessage("Conversation is closed")
				}
				return s.alreadyAcceptedErrorTx(ctx, tx, &fresh)
			}

			if err := tx.Where("conversation_id = ?", conversation.ID).
				Delete(&models.QueueEntry{}).Error; err != nil {
				return fmt.Errorf("queue service: dequeue conversation: %w", err)
			}

			if err := tx.Model(&models.User{}).
				Where("tenant_id = ? AND id = ?", conversation.TenantID, agentID).
				Updates(map[string]any{
					"presence":     models.PresenceBusy,
					"last_seen_at": now,
				}).Error; err != nil {
				return fmt.Errorf("queue service: mark agent busy: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		var conflict *locks.ConflictError
		if errors.As(err, &conflict) {
			metrics.AcceptOutcomes.WithLabelValues("busy").Inc()
			return nil, apperrors.ErrBusy.WithInternal(conflict)
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrAlreadyAccepted.Code {
			metrics.AcceptOutcomes.WithLabelValues("lost").Inc()
		}
		return nil, err
	}

	metrics.AcceptOutcomes.WithLabelValues("won").Inc()
	if waited > 0 {
		s.recordAcceptWait(waited)
	}

	conversation.Status = models.ConversationActive
	conversation.AssignedAgentID = &agentID
	conversation.Participants = models.EncodeParticipants([]string{conversation.ClientID, agentID})

	if s.hub != nil {
		msg := realtime.Message{Event: realtime.EventConversationAccepted, Data: conversation}
		s.hub.BroadcastToConversation(conversation.ID, msg)
		s.hub.BroadcastToTenant(conversation.TenantID, msg)
		s.hub.BroadcastToUser(conversation.TenantID, conversation.ClientID, msg)
		s.hub.BroadcastToUser(conversation.TenantID, agentID, msg)
		s.hub.BroadcastToAgents(conversation.TenantID, realtime.Message{Event: realtime.EventQueueUpdated})
		s.hub.BroadcastToTenant(conversation.TenantID, realtime.Message{
			Event: realtime.EventUserStatusChanged,
			Data: map[string]any{
				"user_id":  agentID,
				"presence": models.PresenceBusy,
			},
		})
	}

	event := "conversation-accepted"
	if forced {
		event = "conversation-assigned"
	}
	s.publisher.Publish(ctx, conversation.TenantID, event, conversation)
	return conversation, nil
}

// Status reports queue depth and wait estimates for the scoped tenant.
func (s *QueueService) Status(ctx context.Context) (*QueueStatus, error) {
	base := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Scopes(tenant.ApplyScope(ctx))

	var depth int64
	if err := base.Session(&gorm.Session{}).Count(&depth).Error; err != nil {
		return nil, fmt.Errorf("queue service: queue depth: %w", err)
	}

	type priorityCount struct {
		Priority int
		Total    int64
	}
	var counts []priorityCount
	if err := base.Session(&gorm.Session{}).
		Select("priority, COUNT(*) AS total").
		Group("priority").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("queue service: priority counts: %w", err)
	}

	byPriority := make(map[string]int64, len(counts))
	for _, c := range counts {
		byPriority[priorityName(c.Priority)] = c.Total
	}

	status := &QueueStatus{Depth: depth, ByPriority: byPriority}

	agents := s.db.WithContext(ctx).
		Model(&models.User{}).
		Scopes(tenant.ApplyScope(ctx)).
		Where("role IN ?", []models.Role{models.RoleAgent, models.RoleAdmin}).
		Where("is_active = ?", true)
	if err := agents.Session(&gorm.Session{}).
		Where("presence = ?", models.PresenceOnline).
		Count(&status.AvailableAgents).Error; err != nil {
		return nil, fmt.Errorf("queue service: available agents: %w", err)
	}
	if err := agents.Session(&gorm.Session{}).
		Where("presence = ?", models.PresenceBusy).
		Count(&status.BusyAgents).Error; err != nil {
		return nil, fmt.Errorf("queue service: busy agents: %w", err)
	}

	if depth > 0 {
		var oldest models.QueueEntry
		if err := base.Session(&gorm.Session{}).
			Order("created_at ASC").
			First(&oldest).Error; err == nil {
			status.LongestWaitSeconds = int64(s.now().UTC().Sub(oldest.CreatedAt).Seconds())
		}
		status.EstimatedWaitSeconds = int64((time.Duration(depth) * s.averageAcceptWait()).Seconds())
	}

	return status, nil
}

// Position returns the 1-based queue position of a waiting conversation.
func (s *QueueService) Position(ctx context.Context, conversationID string) (int64, error) {
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("conversation_id = ?", conversationID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperrors.ErrNotFound.WithMessage("Conversation is not queued")
		}
		return 0, fmt.Errorf("queue service: load queue entry: %w", err)
	}

	var ahead int64
	err = s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Scopes(tenant.ApplyScope(ctx)).
		Where("priority > ? OR (priority = ? AND created_at < ?) OR (priority = ? AND created_at = ? AND conversation_id < ?)",
			entry.Priority, entry.Priority, entry.CreatedAt,
			entry.Priority, entry.CreatedAt, entry.ConversationID).
		Count(&ahead).Error
	if err != nil {
		return 0, fmt.Errorf("queue service: queue position: %w", err)
	}

	return ahead + 1, nil
}

// Entries lists the waiting queue in dispatch order for agent dashboards.
func (s *QueueService) Entries(ctx context.Context, limit, offset int) ([]QueueItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Order("priority DESC, created_at ASC, conversation_id ASC").
		Limit(limit).
		Offset(maxInt(0, offset)).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("queue service: list queue: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ConversationID)
	}

	var conversations []models.Conversation
	err = s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id IN ?", ids).
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("queue service: load queued conversations: %w", err)
	}

	byID := make(map[string]models.Conversation, len(conversations))
	for _, conversation := range conversations {
		byID[conversation.ID] = conversation
	}

	items := make([]QueueItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, QueueItem{Entry: entry, Conversation: byID[entry.ConversationID]})
	}
	return items, nil
}

// Start runs the background loops until Stop is called: the depth
// reconciler refreshes queue gauges and nudges agent dashboards, and the
// dispatch sweep hands waiting conversations to idle agents.
func (s *QueueService) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.reconcile()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.cfg.DispatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.dispatchSweep()
			}
		}
	}()
}

// Stop halts the reconciler.
func (s *QueueService) Stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// reconcile aggregates depth across all tenants. Cross-tenant by nature; it
// reads only counts, never row contents.
func (s *QueueService) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type tenantDepth struct {
		TenantID string
		Total    int64
	}
	var rows []tenantDepth
	if err := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Select("tenant_id, COUNT(*) AS total").
		Group("tenant_id").
		Scan(&rows).Error; err != nil {
		return
	}

	current := make(map[string]int64, len(rows))
	for _, row := range rows {
		current[row.TenantID] = row.Total
	}

	s.mu.Lock()
	previous := s.lastDepth
	s.lastDepth = current
	s.mu.Unlock()

	for tenantID, depth := range current {
		metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(depth))
		if previous[tenantID] != depth && s.hub != nil {
			s.hub.BroadcastToAgents(tenantID, realtime.Message{Event: realtime.EventQueueUpdated})
		}
	}
	for tenantID := range previous {
		if _, still := current[tenantID]; !still {
			metrics.QueueDepth.WithLabelValues(tenantID).Set(0)
			if s.hub != nil {
				s.hub.BroadcastToAgents(tenantID, realtime.Message{Event: realtime.EventQueueUpdated})
			}
		}
	}
}

// dispatchSweep runs one dispatch pass for every tenant with a waiting
// queue.
func (s *QueueService) dispatchSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var tenantIDs []string
	if err := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return
	}

	for _, tenantID := range tenantIDs {
		s.DispatchTenant(tenantID)
	}
}

// DispatchTenant runs one dispatch pass for a tenant under a soft deadline.
// Safe to call from presence callbacks.
func (s *QueueService) DispatchTenant(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Dispatch(ctx, tenantID)
}

// Dispatch pairs waiting conversations with idle eligible agents, highest
// priority first, until either side runs out of capacity. Each pairing runs
// the full accept protocol, so races with agent-initiated accepts resolve
// the same way. Returns the number of conversations assigned.
func (s *QueueService) Dispatch(ctx context.Context, tenantID string) int {
	ctx = tenant.Into(ctx, tenant.Scope(tenantID))

	var agents []models.User
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("role IN ?", []models.Role{models.RoleAgent, models.RoleAdmin}).
		Where("is_active = ? AND presence = ?", true, models.PresenceOnline).
		Order("last_seen_at ASC").
		Find(&agents).Error
	if err != nil || len(agents) == 0 {
		return 0
	}

	var entries []models.QueueEntry
	err = s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Order("priority DESC, created_at ASC, conversation_id ASC").
		Limit(len(agents)).
		Find(&entries).Error
	if err != nil || len(entries) == 0 {
		return 0
	}

	assigned := 0
	next := 0
	for _, entry := range entries {
		if next >= len(agents) || ctx.Err() != nil {
			break
		}
		agent := agents[next]
		actor := auth.Principal{UserID: agent.ID, TenantID: tenantID, Role: agent.Role}
		if _, err := s.claim(ctx, actor, entry.ConversationID, agent.ID, false); err != nil {
			if errors.Is(err, apperrors.ErrAlreadyAccepted) || errors.Is(err, apperrors.ErrInvalidTransition) {
				// Entry is gone; the agent still has capacity.
				continue
			}
			next++
			continue
		}
		assigned++
		next++
	}
	return assigned
}

func (s *QueueService) loadConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperrors.NewBadRequest("Conversation id is required")
	}

	var conversation models.Conversation
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", conversationID).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("queue service: load conversation: %w", err)
	}
	return &conversation, nil
}

// alreadyAcceptedError builds the loser response, naming the winning agent
// when it can be resolved.
func (s *QueueService) alreadyAcceptedError(ctx context.Context, conversation *models.Conversation) error {
	return s.alreadyAcceptedErrorTx(ctx, s.db.WithContext(ctx), conversation)
}

func (s *QueueService) alreadyAcceptedErrorTx(ctx context.Context, db *gorm.DB, conversation *models.Conversation) error {
	if conversation.AssignedAgentID == nil {
		return apperrors.ErrAlreadyAccepted
	}

	var winner models.User
	err := db.
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", *conversation.AssignedAgentID).
		First(&winner).Error
	if err != nil || winner.Name == "" {
		return apperrors.ErrAlreadyAccepted
	}
	return apperrors.ErrAlreadyAccepted.WithMessage(
		fmt.Sprintf("Conversation was already accepted by %s", winner.Name))
}

func (s *QueueService) recordAcceptWait(waited time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptEWMA == 0 {
		s.acceptEWMA = waited
		return
	}
	s.acceptEWMA = (s.acceptEWMA*4 + waited) / 5
}

func (s *QueueService) averageAcceptWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptEWMA == 0 {
		return s.cfg.EstimatedWaitPerItem
	}
	return s.acceptEWMA
}

func priorityName(weight int) string {
	switch weight {
	case 4:
		return string(models.PriorityUrgent)
	case 3:
		return string(models.PriorityHigh)
	case 1:
		return string(models.PriorityLow)
	default:
		return string(models.PriorityNormal)
	}
}
