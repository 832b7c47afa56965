package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/handlers"
	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/middleware"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/internal/storage"
)

// Deps carries everything the router needs. Publisher and HealthChecks are
// optional; the rest must be set.
type Deps struct {
	DB        *gorm.DB
	JWT       *iauth.JWTService
	Hub       *realtime.Hub
	Locks     locks.Manager
	Store     storage.Store
	Publisher events.Publisher

	// Gateway enables the /objects routes that serve bytes for the
	// filesystem-backed store. Leave nil when presigned URLs point at a
	// real bucket.
	Gateway *storage.LocalStore

	QueueConfig  services.QueueConfig
	UploadConfig services.UploadConfig
	HealthChecks map[string]handlers.HealthCheck
}

// Router bundles the engine with the services the server lifecycle manages.
type Router struct {
	Engine *gin.Engine

	Conversations *services.ConversationService
	Queue         *services.QueueService
	Uploads       *services.UploadService
	Presence      *services.PresenceService
}

// NewRouter builds the Gin engine, wires middleware, registers all routes and
// connects the hub to its authorizer and presence sink.
func NewRouter(deps Deps) (*Router, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if deps.Locks == nil {
		return nil, fmt.Errorf("lock manager must be provided")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("object store must be provided")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	conversationHandler, err := handlers.NewConversationHandler(deps.DB, deps.Hub, deps.Publisher)
	if err != nil {
		return nil, err
	}
	queueHandler, err := handlers.NewQueueHandler(deps.DB, deps.Locks, deps.Hub, deps.Publisher, deps.QueueConfig)
	if err != nil {
		return nil, err
	}
	uploadHandler, err := handlers.NewUploadHandler(deps.DB, deps.Store, deps.UploadConfig)
	if err != nil {
		return nil, err
	}
	presenceHandler, err := handlers.NewPresenceHandler(deps.DB, deps.Hub)
	if err != nil {
		return nil, err
	}
	realtimeHandler := handlers.NewRealtimeHandler(deps.DB, deps.Hub, deps.JWT)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Store, deps.HealthChecks)

	// Conversation rooms and presence flow through the same services the
	// HTTP surface uses.
	deps.Hub.SetAuthorizer(conversationHandler.Service())
	deps.Hub.SetPresenceFunc(presenceHandler.Service().HandleTransition)
	presenceHandler.Service().SetAvailabilityFunc(queueHandler.Service().DispatchTenant)
	conversationHandler.Service().SetAvailabilityFunc(queueHandler.Service().DispatchTenant)

	// Public endpoints. The socket endpoint authenticates inside the
	// handler because browsers cannot set headers on websocket dials.
	r.GET("/health/live", healthHandler.Live)
	r.GET("/health/ready", healthHandler.Ready)
	r.GET("/ws", realtimeHandler.Stream)
	r.GET("/api/ws", realtimeHandler.Stream)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Gateway != nil {
		gateway := handlers.NewObjectGatewayHandler(deps.Gateway)
		r.PUT("/objects/*key", gateway.Upload)
		r.GET("/objects/*key", gateway.Download)
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))
	api.Use(middleware.TenantGuard(deps.DB))

	conversations := api.Group("/conversations")
	{
		conversations.POST("", conversationHandler.Create)
		conversations.GET("", conversationHandler.List)
		conversations.GET("/:id", conversationHandler.Get)
		conversations.GET("/:id/messages", conversationHandler.Messages)
		conversations.POST("/:id/messages", conversationHandler.AppendMessage)
		conversations.POST("/:id/accept", queueHandler.Accept)
		conversations.POST("/:id/assign", queueHandler.Assign)
		conversations.POST("/:id/close", conversationHandler.Close)
		conversations.POST("/:id/reopen", conversationHandler.Reopen)
		conversations.POST("/:id/rate", conversationHandler.Rate)
		conversations.GET("/:id/files", uploadHandler.ConversationFiles)
		conversations.GET("/:id/queue-position", queueHandler.Position)
	}

	queue := api.Group("/queue")
	{
		queue.GET("", queueHandler.Status)
		queue.GET("/entries", queueHandler.Entries)
	}

	files := api.Group("/files")
	{
		files.POST("/presign", uploadHandler.Presign)
		files.POST("/:id/confirm", uploadHandler.Confirm)
		files.GET("/:id/download-url", uploadHandler.DownloadURL)
		files.GET("/usage", uploadHandler.Usage)
	}

	api.GET("/presence", presenceHandler.Snapshot)
	api.PUT("/presence", presenceHandler.Set)

	r.NoRoute(middleware.NotFoundHandler)

	return &Router{
		Engine:        r,
		Conversations: conversationHandler.Service(),
		Queue:         queueHandler.Service(),
		Uploads:       uploadHandler.Service(),
		Presence:      presenceHandler.Service(),
	}, nil
}
