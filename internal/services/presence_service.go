package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/tenant"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/logger"
)

// UserPresence is one row of a tenant presence snapshot.
type UserPresence struct {
	UserID     string          `json:"user_id"`
	Name       string          `json:"name"`
	Role       models.Role     `json:"role"`
	Presence   models.Presence `json:"presence"`
	LastSeenAt *time.Time      `json:"last_seen_at"`
}

// PresenceService persists availability and fans out status transitions.
// Connection tracking itself lives in the hub; this service is the bridge
// between socket lifecycle and the users table.
type PresenceService struct {
	db  *gorm.DB
	hub *realtime.Hub
	log *zap.Logger
	now func() time.Time

	// onAvailable fires when a user becomes online, so the queue can try
	// a dispatch pass. Installed during bootstrap.
	onAvailable func(tenantID string)
}

// NewPresenceService constructs a PresenceService.
func NewPresenceService(db *gorm.DB, hub *realtime.Hub) (*PresenceService, error) {
	if db == nil {
		return nil, errors.New("presence service: db is required")
	}
	return &PresenceService{
		db:  db,
		hub: hub,
		log: logger.WithModule("presence"),
		now: time.Now,
	}, nil
}

// SetAvailabilityFunc installs the callback invoked when a user becomes
// online. Install during bootstrap, before any session connects.
func (s *PresenceService) SetAvailabilityFunc(fn func(tenantID string)) {
	s.onAvailable = fn
}

// HandleTransition reacts to a user's first connect or last disconnect.
// Wired as the hub's presence callback.
func (s *PresenceService) HandleTransition(tenantID, userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = tenant.Into(ctx, tenant.Scope(tenantID))

	presence := models.PresenceOffline
	if online {
		presence = models.PresenceOnline
	}

	if err := s.setPresence(ctx, userID, presence); err != nil {
		s.log.Warn("presence transition failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	s.broadcast(tenantID, userID, presence)
	s.notifyAvailable(tenantID, presence)
}

// SetPresence lets a connected user switch between online, busy, and away.
func (s *PresenceService) SetPresence(ctx context.Context, actor auth.Principal, presence models.Presence) error {
	switch presence {
	case models.PresenceOnline, models.PresenceBusy, models.PresenceAway:
	default:
		return apperrors.NewBadRequest(fmt.Sprintf("Unknown presence %q", presence))
	}

	tc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}

	if err := s.setPresence(ctx, actor.UserID, presence); err != nil {
		return err
	}

	tenantID := tc.TenantID()
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	s.broadcast(tenantID, actor.UserID, presence)
	s.notifyAvailable(tenantID, presence)
	return nil
}

func (s *PresenceService) notifyAvailable(tenantID string, presence models.Presence) {
	if s.onAvailable == nil || presence != models.PresenceOnline || tenantID == "" {
		return
	}
	go s.onAvailable(tenantID)
}

// Snapshot lists presence for the scoped tenant. Clients see only staff;
// agents and admins see everyone.
func (s *PresenceService) Snapshot(ctx context.Context, actor auth.Principal) ([]UserPresence, error) {
	query := s.db.WithContext(ctx).
		Model(&models.User{}).
		Scopes(tenant.ApplyScope(ctx)).
		Where("is_active = ?", true)

	if actor.Role == models.RoleClient {
		query = query.Where("role IN ?", []models.Role{models.RoleAgent, models.RoleAdmin})
	}

	var users []models.User
	if err := query.Order("name ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("presence service: snapshot: %w", err)
	}

	out := make([]UserPresence, 0, len(users))
	for _, user := range users {
		out = append(out, UserPresence{
			UserID:     user.ID,
			Name:       user.Name,
			Role:       user.Role,
			Presence:   user.Presence,
			LastSeenAt: user.LastSeenAt,
		})
	}
	return out, nil
}

func (s *PresenceService) setPresence(ctx context.Context, userID string, presence models.Presence) error {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", userID).
		Updates(map[string]any{
			"presence":     presence,
			"last_seen_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("presence service: update presence: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("User not found")
	}
	return nil
}

func (s *PresenceService) broadcast(tenantID, userID string, presence models.Presence) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastToTenant(tenantID, realtime.Message{
		Event: realtime.EventUserStatusChanged,
		Data: map[string]any{
			"user_id":  userID,
			"presence": presence,
		},
	})
	// Any presence change can create new assignability, so dashboards
	// re-evaluate the queue.
	s.hub.BroadcastToAgents(tenantID, realtime.Message{Event: realtime.EventQueueUpdated})
}
