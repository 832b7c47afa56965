package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/api"
	"github.com/deskwire/deskwire/internal/app"
	"github.com/deskwire/deskwire/internal/app/maintenance"
	iauth "github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/database"
	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/handlers"
	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/internal/storage"
	"github.com/deskwire/deskwire/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deskwire-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	var redisClient *redis.Client
	if cfg.Cache.Redis.Enabled {
		redisClient = newRedisClient(cfg.Cache.Redis)
		defer redisClient.Close()
	}

	lockManager, err := buildLockManager(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	log.Info("lock backend ready", zap.String("backend", cfg.Locks.Backend))

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	store, err := storage.NewLocalStore(storage.LocalConfig{
		Root:          cfg.Storage.Root,
		BaseURL:       cfg.Storage.BaseURL,
		SigningSecret: cfg.Storage.SigningSecret,
	})
	if err != nil {
		return fmt.Errorf("initialise object store: %w", err)
	}

	publisher := buildPublisher(cfg, log)
	defer publisher.Close()

	hub := realtime.NewHub(realtime.Config{
		PingInterval:  cfg.Realtime.PingInterval,
		PongGrace:     cfg.Realtime.PongGrace,
		SweepInterval: cfg.Realtime.SweepInterval,
		IdleTimeout:   cfg.Realtime.IdleTimeout,
		SendBuffer:    cfg.Realtime.SendBuffer,
	})
	defer hub.Close()

	router, err := api.NewRouter(api.Deps{
		DB:        db,
		JWT:       jwtService,
		Hub:       hub,
		Locks:     lockManager,
		Store:     store,
		Gateway:   store,
		Publisher: publisher,
		QueueConfig: services.QueueConfig{
			AcceptLockTTL:        cfg.Queue.AcceptLockTTL,
			AcceptRetries:        cfg.Queue.AcceptRetries,
			AcceptRetryDelay:     cfg.Queue.AcceptRetryDelay,
			ReconcileInterval:    cfg.Queue.ReconcileInterval,
			AgentConcurrencyCap:  cfg.Queue.AgentConcurrencyCap,
			EstimatedWaitPerItem: time.Duration(cfg.Queue.EstimatedMinutesPerItem * float64(time.Minute)),
			DispatchInterval:     cfg.Queue.DispatchInterval,
		},
		UploadConfig: services.UploadConfig{
			PresignTTL:        cfg.Uploads.PresignTTL,
			DownloadTTL:       cfg.Uploads.DownloadTTL,
			UsageCacheTTL:     cfg.Uploads.UsageCacheTTL,
			DefaultQuotaBytes: cfg.Uploads.DefaultQuotaBytes,
			WarningFraction:   cfg.Uploads.WarningFraction,
		},
		HealthChecks: buildHealthChecks(redisClient),
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	router.Queue.Start()
	defer router.Queue.Stop()

	cleaner := maintenance.NewCleaner(db, router.Uploads,
		maintenance.WithOrphanAfter(cfg.Uploads.OrphanAfter))
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.Engine,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}

	return dbCfg
}

func newRedisClient(cfg app.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

func buildLockManager(ctx context.Context, cfg *app.Config, client *redis.Client) (locks.Manager, error) {
	switch strings.ToLower(cfg.Locks.Backend) {
	case "redis":
		if client == nil {
			return nil, errors.New("locks.backend=redis requires cache.redis.enabled")
		}
		return locks.NewRedisManager(ctx, client)
	default:
		return locks.NewMemoryManager(), nil
	}
}

func buildPublisher(cfg *app.Config, log *zap.Logger) events.Publisher {
	if !cfg.Events.AMQP.Enabled {
		return events.NopPublisher{}
	}

	publisher, err := events.NewAMQPPublisher(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange)
	if err != nil {
		log.Warn("event broker unavailable; events disabled", zap.Error(err))
		return events.NopPublisher{}
	}
	return publisher
}

func buildHealthChecks(client *redis.Client) map[string]handlers.HealthCheck {
	if client == nil {
		return nil
	}
	return map[string]handlers.HealthCheck{
		"redis": func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database close skipped", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
