package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/database/testutil"
	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/middleware"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/internal/storage"
	"github.com/deskwire/deskwire/internal/tenant"
)

// actorHeader selects the seeded user a test request runs as.
const actorHeader = "X-Test-Actor"

type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine
	store  *storage.MemoryStore

	tenantA models.Tenant
	tenantB models.Tenant

	users map[string]models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		db:    testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()),
		store: storage.NewMemoryStore(),
		users: map[string]models.User{},
	}

	f.tenantA = models.Tenant{
		Name:                   "Acme",
		Slug:                   "acme",
		IsActive:               true,
		SubscriptionStatus:     models.SubscriptionActive,
		StorageQuotaBytes:      1 << 20,
		StorageWarningFraction: 0.8,
		MaxFileSizeBytes:       256 << 10,
	}
	f.tenantB = models.Tenant{
		Name:               "Borg",
		Slug:               "borg",
		IsActive:           true,
		SubscriptionStatus: models.SubscriptionActive,
	}
	require.NoError(t, f.db.Create(&f.tenantA).Error)
	require.NoError(t, f.db.Create(&f.tenantB).Error)

	f.seedUser(t, "client", f.tenantA.ID, "client@acme.test", "Acme Client", models.RoleClient)
	f.seedUser(t, "agent", f.tenantA.ID, "agent@acme.test", "Alice Agent", models.RoleAgent)
	f.seedUser(t, "admin", f.tenantA.ID, "admin@acme.test", "Acme Admin", models.RoleAdmin)
	f.seedUser(t, "clientB", f.tenantB.ID, "client@borg.test", "Borg Client", models.RoleClient)

	conversations, err := NewConversationHandler(f.db, nil, events.NopPublisher{})
	require.NoError(t, err)
	queue, err := NewQueueHandler(f.db, locks.NewMemoryManager(), nil, events.NopPublisher{}, services.QueueConfig{})
	require.NoError(t, err)
	t.Cleanup(queue.Service().Stop)
	uploads, err := NewUploadHandler(f.db, f.store, services.UploadConfig{})
	require.NoError(t, err)
	presence, err := NewPresenceHandler(f.db, nil)
	require.NoError(t, err)
	health := NewHealthHandler(f.db, f.store, nil)

	router := gin.New()
	router.GET("/health/live", health.Live)
	router.GET("/health/ready", health.Ready)

	api := router.Group("/api", f.testAuth())

	conv := api.Group("/conversations")
	conv.POST("", conversations.Create)
	conv.GET("", conversations.List)
	conv.GET("/:id", conversations.Get)
	conv.GET("/:id/messages", conversations.Messages)
	conv.POST("/:id/messages", conversations.AppendMessage)
	conv.POST("/:id/accept", queue.Accept)
	conv.POST("/:id/assign", queue.Assign)
	conv.POST("/:id/close", conversations.Close)
	conv.POST("/:id/reopen", conversations.Reopen)
	conv.POST("/:id/rate", conversations.Rate)
	conv.GET("/:id/files", uploads.ConversationFiles)
	conv.GET("/:id/queue-position", queue.Position)

	api.GET("/queue", queue.Status)
	api.GET("/queue/entries", queue.Entries)

	files := api.Group("/files")
	files.POST("/presign", uploads.Presign)
	files.POST("/:id/confirm", uploads.Confirm)
	files.GET("/:id/download-url", uploads.DownloadURL)
	files.GET("/usage", uploads.Usage)

	api.GET("/presence", presence.Snapshot)
	api.PUT("/presence", presence.Set)

	f.router = router
	return f
}

func (f *apiFixture) seedUser(t *testing.T, key, tenantID, email, name string, role models.Role) {
	t.Helper()

	user := models.User{
		Email:    email,
		Name:     name,
		TenantID: &tenantID,
		Role:     role,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(&user).Error)
	f.users[key] = user
}

// testAuth stands in for the JWT middleware: it resolves the actor header to
// a seeded user and installs the same principal and tenant scope the real
// middleware would.
func (f *apiFixture) testAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := f.users[c.GetHeader(actorHeader)]
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		principal := iauth.Principal{
			UserID: user.ID,
			Role:   user.Role,
			Email:  user.Email,
			Name:   user.Name,
		}
		if user.TenantID != nil {
			principal.TenantID = *user.TenantID
		}

		c.Set(middleware.CtxPrincipalKey, principal)
		c.Set(middleware.CtxUserIDKey, principal.UserID)
		c.Request = c.Request.WithContext(tenant.Into(c.Request.Context(), tenant.Scope(principal.TenantID)))
		c.Next()
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *apiFixture) do(t *testing.T, actor, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
