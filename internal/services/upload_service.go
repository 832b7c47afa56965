package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/storage"
	"github.com/deskwire/deskwire/internal/tenant"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
	"github.com/deskwire/deskwire/pkg/logger"
	"github.com/deskwire/deskwire/pkg/metrics"
)

// UploadConfig tunes presign lifetimes, quota caching, and the fallbacks
// for tenants without explicit storage policy.
type UploadConfig struct {
	PresignTTL    time.Duration
	DownloadTTL   time.Duration
	UsageCacheTTL time.Duration
	// DefaultQuotaBytes applies when a tenant has no quota of its own.
	// Zero means unlimited.
	DefaultQuotaBytes int64
	// WarningFraction applies when a tenant has no threshold of its own.
	WarningFraction float64
}

func (c UploadConfig) withDefaults() UploadConfig {
	if c.PresignTTL <= 0 {
		c.PresignTTL = 15 * time.Minute
	}
	if c.DownloadTTL <= 0 {
		c.DownloadTTL = 10 * time.Minute
	}
	if c.UsageCacheTTL <= 0 {
		c.UsageCacheTTL = time.Minute
	}
	if c.WarningFraction <= 0 {
		c.WarningFraction = 0.8
	}
	return c
}

// quotaFor resolves the effective storage policy for a tenant, falling back
// to the configured defaults.
func (s *UploadService) quotaFor(owner *models.Tenant) (quota int64, warnAt float64) {
	quota = owner.StorageQuotaBytes
	if quota <= 0 {
		quota = s.cfg.DefaultQuotaBytes
	}
	warnAt = owner.StorageWarningFraction
	if warnAt <= 0 {
		warnAt = s.cfg.WarningFraction
	}
	return quota, warnAt
}

// PresignInput describes the upload a client wants to perform.
type PresignInput struct {
	Name           string
	ContentType    string
	SizeBytes      int64
	ConversationID string
}

// PresignResult carries the signed upload and quota headroom information.
type PresignResult struct {
	File         *models.File            `json:"file"`
	Upload       storage.PresignedUpload `json:"upload"`
	QuotaWarning bool                    `json:"quota_warning"`
	UsedBytes    int64                   `json:"used_bytes"`
	QuotaBytes   int64                   `json:"quota_bytes"`
}

// UsageReport summarises tenant storage consumption.
type UsageReport struct {
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	Fraction   float64 `json:"fraction"`
	Warning    bool    `json:"warning"`
}

type usageEntry struct {
	bytes int64
	at    time.Time
}

// UploadService mediates direct-to-storage uploads: it validates against
// tenant policy, mints signed URLs, and tracks object lifecycle. File bytes
// never pass through the dispatch core.
type UploadService struct {
	db    *gorm.DB
	store storage.Store
	cfg   UploadConfig
	now   func() time.Time

	mu    sync.Mutex
	usage map[string]usageEntry
}

// NewUploadService constructs an UploadService.
func NewUploadService(db *gorm.DB, store storage.Store, cfg UploadConfig) (*UploadService, error) {
	if db == nil {
		return nil, errors.New("upload service: db is required")
	}
	if store == nil {
		return nil, errors.New("upload service: store is required")
	}
	return &UploadService{
		db:    db,
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		usage: make(map[string]usageEntry),
	}, nil
}

// Presign validates the upload against tenant policy and returns a signed
// upload URL plus the pending file record.
func (s *UploadService) Presign(ctx context.Context, actor auth.Principal, input PresignInput) (*PresignResult, error) {
	tenantID, err := tenant.CheckWrite(ctx, "")
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("File name is required")
	}
	if input.SizeBytes <= 0 {
		return nil, apperrors.NewBadRequest("File size must be positive")
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		return nil, apperrors.NewBadRequest("Content type is required")
	}

	var owner models.Tenant
	if err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("Tenant not found")
		}
		return nil, fmt.Errorf("upload service: load tenant: %w", err)
	}

	if !owner.AllowsMIMEType(contentType) {
		return nil, apperrors.ErrFileTypeNotAllowed
	}
	if owner.MaxFileSizeBytes > 0 && input.SizeBytes > owner.MaxFileSizeBytes {
		return nil, apperrors.ErrFileTooLarge
	}

	used, err := s.usedBytes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	quota, warnAt := s.quotaFor(&owner)
	projected := used + input.SizeBytes
	if quota > 0 && projected > quota && !owner.AllowStorageOverage {
		return nil, apperrors.ErrQuotaExceeded
	}
	warning := quota > 0 && float64(projected) >= warnAt*float64(quota)

	var conversationID *string
	if id := strings.TrimSpace(input.ConversationID); id != "" {
		conversation, err := s.loadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conversation.Status == models.ConversationClosed {
			return nil, apperrors.ErrInvalidTransition.WithMessage("Cannot attach files to a closed conversation")
		}
		if !s.canAttach(actor, conversation) {
			return nil, apperrors.ErrForbidden
		}
		conversationID = &conversation.ID
	}

	now := s.now().UTC()
	key := buildStorageKey(tenantID, contentType, now, name)

	upload, err := s.store.Presign(ctx, key, contentType, input.SizeBytes, s.cfg.PresignTTL)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.ErrStorageUnavailable.WithInternal(err)
	}

	file := models.File{
		TenantID:         tenantID,
		StorageKey:       key,
		Name:             name,
		ContentType:      contentType,
		SizeBytes:        input.SizeBytes,
		UploaderID:       actor.UserID,
		ConversationID:   conversationID,
		State:            models.UploadPending,
		PresignExpiresAt: &upload.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&file).Error; err != nil {
		return nil, fmt.Errorf("upload service: create file record: %w", err)
	}

	s.invalidateUsage(tenantID)

	return &PresignResult{
		File:         &file,
		Upload:       upload,
		QuotaWarning: warning,
		UsedBytes:    used,
		QuotaBytes:   quota,
	}, nil
}

// Confirm marks a pending upload committed after verifying the object landed.
// Confirming an already committed file is a no-op.
func (s *UploadService) Confirm(ctx context.Context, actor auth.Principal, fileID string) (*models.File, error) {
	file, err := s.loadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.State == models.UploadCommitted {
		return file, nil
	}
	if file.State != models.UploadPending {
		return nil, apperrors.ErrInvalidTransition.WithMessage("Upload is no longer pending")
	}
	if !s.canManage(actor, file) {
		return nil, apperrors.ErrForbidden
	}

	info, err := s.store.Stat(ctx, file.StorageKey)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			if appErr.Code == apperrors.ErrNotFound.Code {
				return nil, apperrors.NewBadRequest("Object was not uploaded")
			}
			return nil, appErr
		}
		return nil, apperrors.ErrStorageUnavailable.WithInternal(err)
	}

	updates := map[string]any{"state": models.UploadCommitted}
	if info.SizeBytes > 0 {
		updates["size_bytes"] = info.SizeBytes
		file.SizeBytes = info.SizeBytes
	}
	err = withTxRetry(ctx, 3, func() error {
		return s.db.WithContext(ctx).
			Model(&models.File{}).
			Where("id = ? AND state = ?", file.ID, models.UploadPending).
			Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upload service: commit file: %w", err)
	}

	file.State = models.UploadCommitted
	s.invalidateUsage(file.TenantID)
	metrics.UploadBytes.WithLabelValues(file.TenantID).Add(float64(file.SizeBytes))
	return file, nil
}

// DownloadURL mints a signed download link for a committed file.
func (s *UploadService) DownloadURL(ctx context.Context, actor auth.Principal, fileID string) (string, error) {
	file, err := s.loadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file.State != models.UploadCommitted {
		return "", apperrors.ErrNotFound.WithMessage("File is not available")
	}
	if err := s.authorizeDownload(ctx, actor, file); err != nil {
		return "", err
	}

	// The key prefix is re-checked before signing anything; a record whose
	// key escaped its tenant namespace is never served.
	if !file.KeyMatchesTenant() {
		return "", apperrors.ErrCrossTenant
	}

	url, err := s.store.SignDownload(ctx, file.StorageKey, s.cfg.DownloadTTL)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		return "", apperrors.ErrStorageUnavailable.WithInternal(err)
	}
	return url, nil
}

// Usage reports the tenant's storage consumption against quota.
func (s *UploadService) Usage(ctx context.Context) (*UsageReport, error) {
	tc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if tc.IsBypass() {
		return nil, apperrors.NewBadRequest("Usage requires a concrete tenant scope")
	}

	used, err := s.usedBytes(ctx, tc.TenantID())
	if err != nil {
		return nil, err
	}

	var owner models.Tenant
	if err := s.db.WithContext(ctx).Where("id = ?", tc.TenantID()).First(&owner).Error; err != nil {
		return nil, fmt.Errorf("upload service: load tenant: %w", err)
	}

	quota, warnAt := s.quotaFor(&owner)
	report := &UsageReport{UsedBytes: used, QuotaBytes: quota}
	if quota > 0 {
		report.Fraction = float64(used) / float64(quota)
		report.Warning = report.Fraction >= warnAt
	}
	return report, nil
}

// ConversationFiles lists committed attachments of a conversation.
func (s *UploadService) ConversationFiles(ctx context.Context, actor auth.Principal, conversationID string) ([]models.File, error) {
	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	allowed := s.canAttach(actor, conversation) ||
		(actor.Role == models.RoleAgent && conversation.Status == models.ConversationWaiting)
	if !allowed {
		return nil, apperrors.ErrForbidden
	}

	var files []models.File
	err = s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("conversation_id = ? AND state = ?", conversation.ID, models.UploadCommitted).
		Order("created_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("upload service: list files: %w", err)
	}
	return files, nil
}

// OrphanExpired flags pending uploads whose presign window lapsed long ago.
// Runs cross-tenant from the maintenance scheduler.
func (s *UploadService) OrphanExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("state = ? AND created_at < ?", models.UploadPending, cutoff).
		Update("state", models.UploadOrphaned)
	if result.Error != nil {
		return 0, fmt.Errorf("upload service: orphan expired uploads: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.mu.Lock()
		s.usage = make(map[string]usageEntry)
		s.mu.Unlock()
	}
	return result.RowsAffected, nil
}

// usedBytes sums pending and committed sizes, cached per tenant. Pending
// uploads count as reserved so parallel presigns cannot blow past quota
// unnoticed; staleness is bounded by the cache TTL.
func (s *UploadService) usedBytes(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	entry, ok := s.usage[tenantID]
	s.mu.Unlock()
	if ok && s.now().Sub(entry.at) < s.cfg.UsageCacheTTL {
		return entry.bytes, nil
	}

	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("tenant_id = ? AND state IN ?", tenantID,
			[]models.UploadState{models.UploadPending, models.UploadCommitted}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("upload service: sum usage: %w", err)
	}

	s.mu.Lock()
	s.usage[tenantID] = usageEntry{bytes: total, at: s.now()}
	s.mu.Unlock()
	return total, nil
}

func (s *UploadService) invalidateUsage(tenantID string) {
	s.mu.Lock()
	delete(s.usage, tenantID)
	s.mu.Unlock()
}

func (s *UploadService) loadFile(ctx context.Context, fileID string) (*models.File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, apperrors.NewBadRequest("File id is required")
	}

	var file models.File
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", fileID).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A file that exists under another tenant's prefix is a
			// violation, not a miss.
			var foreign int64
			if countErr := s.db.WithContext(ctx).
				Model(&models.File{}).
				Where("id = ?", fileID).
				Count(&foreign).Error; countErr == nil && foreign > 0 {
				logger.WithModule("uploads").Warn("cross-tenant file access refused",
					zap.String("file_id", fileID))
				return nil, apperrors.ErrCrossTenant
			}
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("upload service: load file: %w", err)
	}
	return &file, nil
}

func (s *UploadService) loadConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.WithContext(ctx).
		Scopes(tenant.ApplyScope(ctx)).
		Where("id = ?", conversationID).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("upload service: load conversation: %w", err)
	}
	return &conversation, nil
}

func (s *UploadService) canAttach(actor auth.Principal, conversation *models.Conversation) bool {
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleMaster {
		return true
	}
	return conversation.HasParticipant(actor.UserID)
}

func (s *UploadService) canManage(actor auth.Principal, file *models.File) bool {
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleMaster {
		return true
	}
	return file.UploaderID == actor.UserID
}

func (s *UploadService) authorizeDownload(ctx context.Context, actor auth.Principal, file *models.File) error {
	if s.canManage(actor, file) {
		return nil
	}
	if file.ConversationID != nil {
		conversation, err := s.loadConversation(ctx, *file.ConversationID)
		if err == nil && conversation.HasParticipant(actor.UserID) {
			return nil
		}
	}
	return apperrors.ErrForbidden
}

// storageCategory buckets a declared MIME type into the key layout's
// image/document/other segment.
func storageCategory(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "application/"), strings.HasPrefix(contentType, "text/"):
		return "document"
	default:
		return "other"
	}
}

// buildStorageKey lays files out as tenants/{id}/{category}/{year}/{month}/{uuid}-{name}.
func buildStorageKey(tenantID, contentType string, at time.Time, name string) string {
	return fmt.Sprintf("%s%s/%04d/%02d/%s-%s",
		models.StorageKeyPrefix(tenantID), storageCategory(contentType),
		at.Year(), int(at.Month()), uuid.NewString(), sanitizeFileName(name))
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		out = "file"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}
