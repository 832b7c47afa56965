package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/pkg/logger"
)

const (
	defaultOrphanAfter     = 24 * time.Hour
	defaultPresenceMaxIdle = 5 * time.Minute

	defaultOrphanSpec   = "@hourly"
	defaultPresenceSpec = "@every 1m"
	defaultQueueSpec    = "@every 5m"
)

// Cleaner coordinates background maintenance: flagging abandoned uploads,
// downgrading stale presence rows and removing queue debris left behind by
// crashed workers.
type Cleaner struct {
	db      *gorm.DB
	uploads *services.UploadService
	cron    *cron.Cron
	now     func() time.Time
	log     *zap.Logger

	orphanAfter     time.Duration
	presenceMaxIdle time.Duration

	orphanSchedule   string
	presenceSchedule string
	queueSchedule    string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithOrphanAfter adjusts how long a pending upload may stay unconfirmed.
func WithOrphanAfter(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.orphanAfter = d
		}
	}
}

// WithPresenceMaxIdle adjusts how stale a presence row may be before it is
// downgraded to offline.
func WithPresenceMaxIdle(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.presenceMaxIdle = d
		}
	}
}

// WithOrphanSchedule overrides the cron expression for the upload sweep.
func WithOrphanSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.orphanSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil uploads
// service skips the orphan sweep.
func NewCleaner(db *gorm.DB, uploads *services.UploadService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:               db,
		uploads:          uploads,
		now:              time.Now,
		orphanAfter:      defaultOrphanAfter,
		presenceMaxIdle:  defaultPresenceMaxIdle,
		orphanSchedule:   defaultOrphanSpec,
		presenceSchedule: defaultPresenceSpec,
		queueSchedule:    defaultQueueSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.uploads != nil {
		if _, err := c.cron.AddFunc(c.orphanSchedule, func() {
			ctx := context.Background()
			flagged, err := c.uploads.OrphanExpired(ctx, c.orphanAfter)
			if err != nil {
				c.log.Warn("orphan sweep failed", zap.Error(err))
				return
			}
			if flagged > 0 {
				c.log.Info("flagged abandoned uploads", zap.Int64("count", flagged))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.presenceSchedule, func() {
			if _, err := CleanupStalePresence(context.Background(), c.db, c.now(), c.presenceMaxIdle); err != nil {
				c.log.Warn("presence cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		if _, err := c.cron.AddFunc(c.queueSchedule, func() {
			if _, err := CleanupQueueDebris(context.Background(), c.db); err != nil {
				c.log.Warn("queue debris cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all cleanup routines sequentially. Used in tests and
// during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.uploads != nil {
		if _, err := c.uploads.OrphanExpired(ctx, c.orphanAfter); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupStalePresence(ctx, c.db, c.now(), c.presenceMaxIdle); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, err := CleanupQueueDebris(ctx, c.db); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupStalePresence downgrades users who still read online, busy or away
// but have not been seen within maxIdle. Socket disconnects normally handle
// this; the sweep covers crashed servers that never ran their unregister
// path.
func CleanupStalePresence(ctx context.Context, db *gorm.DB, now time.Time, maxIdle time.Duration) (int64, error) {
	if db == nil {
		return 0, errors.New("maintenance: nil database handle")
	}

	cutoff := now.Add(-maxIdle)
	result := db.WithContext(ctx).Model(&models.User{}).
		Where("presence <> ?", models.PresenceOffline).
		Where("last_seen_at IS NULL OR last_seen_at < ?", cutoff).
		Update("presence", models.PresenceOffline)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// CleanupQueueDebris removes queue entries whose conversation is no longer
// waiting. Accept and close delete their own entries; debris appears only
// when a worker dies between the conversation update and the entry delete.
func CleanupQueueDebris(ctx context.Context, db *gorm.DB) (int64, error) {
	if db == nil {
		return 0, errors.New("maintenance: nil database handle")
	}

	result := db.WithContext(ctx).
		Where("conversation_id IN (?)",
			db.Model(&models.Conversation{}).Select("id").Where("status <> ?", models.ConversationWaiting),
		).
		Delete(&models.QueueEntry{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
