package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/storage"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db     *gorm.DB
	store  storage.Store
	extras map[string]HealthCheck
}

// NewHealthHandler constructs a health handler. Extra named checks (cache,
// broker) are optional.
func NewHealthHandler(db *gorm.DB, store storage.Store, extras map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{db: db, store: store, extras: extras}
}

// Live reports that the process is up.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready probes the database, object storage and any extra dependencies.
// Any failing probe turns the response into a 503.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	record := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	record("database", h.pingDatabase(ctx))
	if h.store != nil {
		record("storage", h.store.Healthy(ctx))
	}
	for name, check := range h.extras {
		record(name, check(ctx))
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     statusWord(healthy),
		"checks":     checks,
		"checked_at": time.Now().UTC(),
	})
}

func (h *HealthHandler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func statusWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}
