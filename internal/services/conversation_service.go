package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/tenant"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
)

// CreateConversationInput defines attributes for opening a support thread.
type CreateConversationInput struct {
	Subject    string
	Department string
	Priority   models.ConversationPriority
	// Message optionally seeds the thread with a first client message.
	Message string
}

// ListConversationsInput defines filters for conversation listings.
type ListConversationsInput struct {
	Status models.ConversationStatus
	Limit  int
	Offset int
}

// AppendMessageInput defines attributes for a new message.
type AppendMessageInput struct {
	ConversationID string
	Body           string
	Kind           models.MessageKind
	Attachments    []models.MessageAttachment
}

// ConversationService owns the conversation lifecycle and its append-only
// transcript. Assignment itself lives in QueueService; everything else about
// a thread is handled here.
type ConversationService struct {
	db        *gorm.DB
	hub       *realtime.Hub
	publisher events.Publisher
	now       func() time.Time

	// onAvailable is installed at bootstrap; closing a conversation that
	// frees its agent fires it so the dispatcher re-evaluates the queue.
	onAvailable func(tenantID string)
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, hub *realtime.Hub, publisher events.Publisher) (*ConversationService, error) {
	if db == nil {
		return nil, errors.New("conversation service: db is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ConversationService{
		db:        db,
		hub:       hub,
		publisher: publisher,
		now:       time.Now,
	}, nil
}

// SetAvailabilityFunc installs the callback fired when closing a
// conversation returns its agent to the available pool.
func (s *ConversationService) SetAvailabilityFunc(fn func(tenantID string)) {
	s.onAvailable = fn
}

// Create opens a waiting conversation and enqueues it for assignment.
func (s *ConversationService) Create(ctx context.Context, actor auth.Principal, input CreateConversationInput) (*models.Conversation, error) {
	if actor.Role != models.RoleClient {
		return nil, apperrors.ErrForbidden.WithMessage("Only clients open conversations")
	}

	tenantID, err := tenant.CheckWrite(ctx, "")
	if err != nil {
		return nil, err
	}

	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("Unknown priority %q", input.Priority))
	}

	now := s.now().UTC()
	conversation := models.Conversation{
		TenantID:       tenantID,
		ClientID:       actor.UserID,
		Status:         models.ConversationWaiting,
		Priority:       priority,
		Subject:        strings.TrimSpace(input.Subject),
		Department:     strings.TrimSpace(input.Department),
		Participants:   models.EncodeParticipants([]string{actor.UserID}),
		LastActivityAt: now,
	}

	err = runTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return fmt.Errorf("conversation service: create conversation: %w", err)
		}

		entry := models.QueueEntry{
			TenantID:       tenantID,
			ConversationID: conversation.ID,
			Priority:       priority.Weight(),
			CreatedAt:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if isUniqueConstraintError(err) {
				return apperrors.ErrInvalidTransition.WithMessage("Conversation is already queued")
			}
			return fmt.Errorf("conversation service: enqueue conversation: %w", err)
		}

		if body := strings.TrimSpace(input.Message); body != "" {
			message := models.Message{
				TenantID:       tenantID,
				ConversationID: conversation.ID,
				SenderID:       &actor.UserID,
				SenderRole:     models.SenderClient,
				Kind:           models.MessageText,
				Body:           body,
				CreatedAt:      now,
			}
			if err := tx.Create(&message).Error; err != nil {
				return fmt.Errorf("conversation service: seed message: %w", err)
			}
			conversation.LastMessageAt = &now
			if err := tx.Model(&models.Conversation{}).
				Where("id = ?", conversation.ID).
				Update("last_message_at", now).Error; err != nil {
				return fmt.Errorf("conversation service: stamp message time: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcastQueueChange(tenantID)
	s.publisher.Publish(ctx, tenantID, "conversation-created", &conversation)
	return &conversation, nil
}

// Get loads a conversation the actor is allowed to see.
func (s *ConversationService) Get(ctx context.Context, actor auth.Principal, conversationID string) (*models.Conversation, error) {
	conversation, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(actor, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// List returns conversations visible to the actor, most recent activity first.
// Clients see their own threads; agents see waiting threads plus their own
// assignments; admins and master see everything in scope.
func (s *ConversationService) List(ctx context.Context, actor auth.Principal, input ListConversationsInput) ([]models.Conversation, int64, error) {
	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Scopes(tenant.ApplyScope(ctx))

	switch actor.Role {
	case models.RoleClient:
		query = query.Where("client_id = ?", actor.UserID)
	case models.RoleAgent:
		query = query.Where("status = ? OR assigned_agent_id = ?", models.ConversationWaiting, actor.UserID)
	}

	if input.Status != "" {
		query = query.Where("status = ?", input.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("conversation service: count conversations: %w", err)
	}

	var rows []models.Conversation
	if err := query.
		Order("last_activity_at DESC").
		Limit(limit).
		Offset(maxInt(0, input.Offset)).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("conversation service: list conversations: %w", err)
	}

	return rows, total, nil
}

// AppendMessage adds a message to an open conversation and fans it out.
func (s *ConversationService) AppendMessage(ctx context.Context, actor auth.Principal, input AppendMessageInput) (*models.Message, error) {
	conversation, err := s.load(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == models.ConversationClosed {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Cannot message a closed conversation")
	}
	if !s.canPost(actor, conversation) {
		return nil, apperrors.ErrForbidden
	}

	kind := input.Kind
	if kind == "" {
		kind = models.MessageText
	}
	if !kind.Valid() || kind == models.MessageSystem {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("Unknown message kind %q", input.Kind))
	}

	body := strings.TrimSpace(input.Body)
	if body == "" && len(input.Attachments) == 0 {
		return nil, apperrors.NewBadRequest("Message requires a body or attachments")
	}

	now := s.now().UTC()
	message := models.Message{
		TenantID:       conversation.TenantID,
		ConversationID: conversation.ID,
		SenderID:       &actor.UserID,
		SenderRole:     senderRoleFor(actor.Role),
		Kind:           kind,
		Body:           body,
		Attachments:    models.EncodeAttachments(input.Attachments),
		CreatedAt:      now,
	}

	err = runTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return fmt.Errorf("conversation service: append message: %w", err)
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversation.ID).
			Updates(map[string]any{
				"last_message_at":  now,
				"last_activity_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		msg := realtime.Message{Event: realtime.EventNewMessage, Data: &message}
		s.hub.BroadcastToConversation(conversation.ID, msg)
		s.hub.BroadcastToTenant(conversation.TenantID, msg)
	}
	s.publisher.Publish(ctx, conversation.TenantID, "new-message", &message)
	return &message, nil
}

// Messages returns the transcript in chronological order.
func (s *ConversationService) Messages(ctx context.Context, actor auth.Principal, conversationID string, limit, offset int) ([]models.Message, int64, error) {
	conversation, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.authorizeRead(actor, conversation); err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Scopes(tenant.ApplyScope(ctx)).
		Where("conversation_id = ?", conversation.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("conversation service: count messages: %w", err)
	}

	var rows []models.Message
	if err := query.
		Order("created_at ASC").
		Limit(limit).
		Offset(maxInt(0, offset)).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("conversation service: list messages: %w", err)
	}

	return rows, total, nil
}

// Close ends a conversation from any non-closed state. Waiting conversations
// leave the queue; active ones release their agent.
func (s *ConversationService) Close(ctx context.Context, actor auth.Principal, conversationID string) (*models.Conversation, error) {
	conversation, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == models.ConversationClosed {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Conversation is already closed")
	}
	if !s.canClose(actor, conversation) {
		return nil, apperrors.ErrForbidden
	}

	wasWaiting := conversation.Status == models.ConversationWaiting
	now := s.now().UTC()
	agentFreed := false

	err = runTx(ctx, s.db, func(tx *gorm.DB) error {
		agentFreed = false

		result := tx.Model(&models.Conversation{}).
			Where("id = ? AND status <> ?", conversation.ID, models.ConversationClosed).
			Updates(map[string]any{
				"status":           models.ConversationClosed,
				"closed_at":        now,
				"closed_by_id":     actor.UserID,
				"last_activity_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("conversation service: close conversation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrInvalidTransition.WithMessage("Conversation is already closed")
		}

		if err := tx.Where("conversation_id = ?", conversation.ID).
			Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("conversation service: dequeue conversation: %w", err)
		}

		// An agent whose last active conversation just closed goes back
		// to the available pool.
		if conversation.AssignedAgentID != nil {
			var remaining int64
			if err := tx.Model(&models.Conversation{}).
				Where("tenant_id = ? AND assigned_agent_id = ? AND status = ?",
					conversation.TenantID, *conversation.AssignedAgentID, models.ConversationActive).
				Count(&remaining).Error; err != nil {
				return fmt.Errorf("conversation service: count agent load: %w", err)
			}
			if remaining == 0 {
				freed := tx.Model(&models.User{}).
					Where("id = ? AND presence = ?", *conversation.AssignedAgentID, models.PresenceBusy).
					Update("presence", models.PresenceOnline)
				if freed.Error != nil {
					return fmt.Errorf("conversation service: free agent: %w", freed.Error)
				}
				agentFreed = freed.RowsAffected > 0
			}
		}

		return s.systemMessage(tx, conversation, "Conversation closed", now)
	})
	if err != nil {
		return nil, err
	}

	conversation.Status = models.ConversationClosed
	conversation.ClosedAt = &now
	conversation.ClosedByID = &actor.UserID

	if s.hub != nil {
		msg := realtime.Message{Event: realtime.EventConversationClosed, Data: conversation}
		s.hub.BroadcastToConversation(conversation.ID, msg)
		s.hub.BroadcastToTenant(conversation.TenantID, msg)
		if agentFreed {
			s.hub.BroadcastToTenant(conversation.TenantID, realtime.Message{
				Event: realtime.EventUserStatusChanged,
				Data: map[string]any{
					"user_id":  *conversation.AssignedAgentID,
					"presence": models.PresenceOnline,
				},
			})
		}
	}
	if wasWaiting {
		s.broadcastQueueChange(conversation.TenantID)
	}
	if agentFreed && s.onAvailable != nil {
		go s.onAvailable(conversation.TenantID)
	}
	s.publisher.Publish(ctx, conversation.TenantID, "conversation-closed", conversation)
	return conversation, nil
}

// Reopen resumes a closed conversation as active. The previous agent keeps
// the assignment; a never-assigned conversation goes to the reopener.
func (s *ConversationService) Reopen(ctx context.Context, actor auth.Principal, conversationID string) (*models.Conversation, error) {
	conversation, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status != models.ConversationClosed {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Only closed conversations can be reopened")
	}
	if !s.canReopen(actor, conversation) {
		return nil, apperrors.ErrForbidden
	}

	// A reopened conversation goes straight back to active: the prior
	// agent keeps it, otherwise the reopener takes it.
	assignee := actor.UserID
	if conversation.AssignedAgentID != nil && *conversation.AssignedAgentID != "" {
		assignee = *conversation.AssignedAgentID
	} else if actor.Role == models.RoleMaster {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Conversation has no prior agent to resume it")
	}

	now := s.now().UTC()
	err = runTx(ctx, s.db, func(tx *gorm.DB) error {
		result := tx.Model(&models.Conversation{}).
			Where("id = ? AND status = ?", conversation.ID, models.ConversationClosed).
			Updates(map[string]any{
				"status":            models.ConversationActive,
				"assigned_agent_id": assignee,
				"closed_at":         nil,
				"closed_by_id":      nil,
				"participants":      models.EncodeParticipants([]string{conversation.ClientID, assignee}),
				"last_activity_at":  now,
			})
		if result.Error != nil {
			return fmt.Errorf("conversation service: reopen conversation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrInvalidTransition.WithMessage("Conversation is no longer closed")
		}

		// The transcript stays untouched; only the status flips.
		return nil
	})
	if err != nil {
		return nil, err
	}

	conversation.Status = models.ConversationActive
	conversation.AssignedAgentID = &assignee
	conversation.ClosedAt = nil
	conversation.ClosedByID = nil
	conversation.Participants = models.EncodeParticipants([]string{conversation.ClientID, assignee})

	if s.hub != nil {
		msg := realtime.Message{Event: realtime.EventConversationReopened, Data: conversation}
		s.hub.BroadcastToConversation(conversation.ID, msg)
		s.hub.BroadcastToTenant(conversation.TenantID, msg)
	}
	s.publisher.Publish(ctx, conversation.TenantID, "conversation-reopened", conversation)
	return conversation, nil
}

// Rate records the client's satisfaction score on a closed conversation.
func (s *ConversationService) Rate(ctx context.Context, actor auth.Principal, conversationID string, rating int, comment string) (*models.Conversation, error) {
	if actor.Role != models.RoleClient {
		return nil, apperrors.ErrForbidden.WithMessage("Only clients rate conversations")
	}
	if rating < 1 || rating > 5 {
		return nil, apperrors.NewBadRequest("Rating must be between 1 and 5")
	}

	conversation, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.ClientID != actor.UserID {
		return nil, apperrors.ErrForbidden
	}
	if conversation.Status != models.ConversationClosed {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Only closed conversations can be rated")
	}

	err = withTxRetry(ctx, 3, func() error {
		return s.db.WithContext(ctx).
			Model(&models.Conversation{}).
			Where("id = ?", conversation.ID).
			Updates(map[string]any{
				"rating":         rating,
				"rating_comment": strings.TrimSpace(comment),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("conversation service: rate conversation: %w", err)
	}

	conversation.Rating = &rating
	conversation.RatingComment = strings.TrimSpace(comment)
	s.publisher.Publish(ctx, conversation.TenantID, "conversation-rated", conversation)
	return conversation, nil
}

// CanJoinConversation authorizes socket room membership. Participants always
// may join; admins and master see every room in their scope.
func (s *ConversationService) CanJoinConversation(ctx context.Context, tenantID, userID string, role models.Role, conversationID string) error {
	scoped := tenant.Into(ctx, tenant.Scope(tenantID))
	conversation, err := s.load(scoped, conversationID)
	if err != nil {
		return err
	}
	if role == models.RoleAdmin || role == models.RoleMaster {
		return nil
	}
	if conversation.HasParticipant(userID) {
		return nil
	}
	return apperrors.ErrForbidden
}

func (s *ConversationService) load(ctx context.Context, conversationID string) (*models.Conversation, error) {
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
		return nil, fmt.Errorf("conversation service: load conversation: %w", err)
	}
	return &conversation, nil
}

func (s *ConversationService) authorizeRead(actor auth.Principal, conversation *models.Conversation) error {
	switch actor.Role {
	case models.RoleAdmin, models.RoleMaster:
		return nil
	case models.RoleAgent:
		if conversation.Status == models.ConversationWaiting || conversation.HasParticipant(actor.UserID) {
			return nil
		}
		if conversation.AssignedAgentID != nil && *conversation.AssignedAgentID == actor.UserID {
			return nil
		}
	case models.RoleClient:
		if conversation.ClientID == actor.UserID {
			return nil
		}
	}
	return apperrors.ErrForbidden
}

func (s *ConversationService) canPost(actor auth.Principal, conversation *models.Conversation) bool {
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleMaster {
		return true
	}
	return conversation.HasParticipant(actor.UserID)
}

func (s *ConversationService) canClose(actor auth.Principal, conversation *models.Conversation) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleMaster:
		return true
	case models.RoleAgent:
		return conversation.AssignedAgentID != nil && *conversation.AssignedAgentID == actor.UserID
	case models.RoleClient:
		return conversation.ClientID == actor.UserID
	}
	return false
}

// Reopening is staff-only; clients open a fresh conversation instead.
func (s *ConversationService) canReopen(actor auth.Principal, conversation *models.Conversation) bool {
	switch actor.Role {
	case models.RoleAgent, models.RoleAdmin, models.RoleMaster:
		return true
	}
	return false
}

func (s *ConversationService) systemMessage(tx *gorm.DB, conversation *models.Conversation, body string, at time.Time) error {
	message := models.Message{
		TenantID:       conversation.TenantID,
		ConversationID: conversation.ID,
		SenderRole:     models.SenderSystem,
		Kind:           models.MessageSystem,
		Body:           body,
		CreatedAt:      at,
	}
	if err := tx.Create(&message).Error; err != nil {
		return fmt.Errorf("conversation service: system message: %w", err)
	}
	return nil
}

func (s *ConversationService) broadcastQueueChange(tenantID string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastToAgents(tenantID, realtime.Message{Event: realtime.EventQueueUpdated})
}

func senderRoleFor(role models.Role) models.SenderRole {
	switch role {
	case models.RoleClient:
		return models.SenderClient
	case models.RoleAgent:
		return models.SenderAgent
	default:
		return models.SenderAdmin
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
