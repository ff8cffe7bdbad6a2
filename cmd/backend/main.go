// main.go - Process entry point: config, collaborators and graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"file-drop/internal/config"
	"file-drop/internal/db"
	"file-drop/internal/filestore"
	"file-drop/internal/logging"
	"file-drop/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, v, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "file-drop: %v\n", err)
		os.Exit(2)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "file-drop: %v\n", err)
		os.Exit(2)
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file-drop: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	// Only the log level is applied at runtime; everything else needs a restart.
	config.Watch(v, func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, next.Log.Level); err != nil {
			logger.Warn("config reload: bad log level", zap.Error(err))
			return
		}
		logger.Info("log level changed", zap.String("level", next.Log.Level))
	})

	store, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("storage bootstrap failed", zap.String("dir", cfg.Storage.Dir), zap.Error(err))
	}
	logger.Info("storage ready",
		zap.String("dir", store.Dir()),
		zap.String("naming", string(store.Naming())),
		zap.String("extension_policy", cfg.Upload.ExtensionPolicy))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var audit server.AuditRecorder
	if cfg.Database.URL != "" {
		dbConn, err := openAuditDB(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("audit database unavailable", zap.Error(err))
		}
		defer func() { _ = dbConn.Close() }()
		audit = server.NewAuditStore(dbConn)
	}

	var mirror *server.Mirror
	if cfg.MirrorEnabled() {
		mirror, err = server.NewMirror(ctx, mirrorConfig(cfg), store.Dir(), logger)
		if err != nil {
			logger.Fatal("mirror unavailable", zap.String("endpoint", cfg.Mirror.Endpoint), zap.Error(err))
		}
		logger.Info("mirror enabled", zap.String("bucket", cfg.Mirror.Bucket))
	}

	limiter, closeLimiter := buildLimiter(ctx, cfg.RateLimit, logger)
	defer closeLimiter()

	go server.StartCleanupJob(ctx, server.CleanupConfig{
		Enabled:  cfg.Cleanup.Enabled,
		Interval: cfg.Cleanup.Interval,
		MaxAge:   cfg.Cleanup.MaxAge,
		Store:    store,
		Logger:   logger,
	})

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		BasePath:        cfg.Server.BasePath,
		CertFile:        cfg.Server.CertFile,
		KeyFile:         cfg.Server.KeyFile,
		MaxRequestBytes: cfg.Upload.MaxRequestBytes,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		TrustedProxies:  cfg.Server.TrustedProxies,
		Version:         version,
		Store:           store,
		Logger:          logger,
		Limiter:         limiter,
		Audit:           audit,
		Mirror:          mirror,
	})

	// Start the HTTP server in a background goroutine so signals can be handled.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("base_path", cfg.Server.BasePath),
			zap.Bool("tls", cfg.TLSEnabled()),
			zap.String("version", version))
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if mirror != nil {
		if err := mirror.Close(shutdownCtx); err != nil {
			logger.Warn("mirror did not drain", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func storeOptions(cfg *config.Config) filestore.Options {
	return filestore.Options{
		Dir:               cfg.Storage.Dir,
		ExtensionPolicy:   filestore.ExtensionPolicy(cfg.Upload.ExtensionPolicy),
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		Naming:            filestore.NamingPolicy(cfg.Upload.Naming),
	}
}

// buildStore creates the store and its directory. Failure here is fatal.
func buildStore(cfg *config.Config) (*filestore.Store, error) {
	store, err := filestore.New(storeOptions(cfg))
	if err != nil {
		return nil, err
	}
	if err := store.EnsureDir(); err != nil {
		return nil, err
	}
	return store, nil
}

func openAuditDB(ctx context.Context, url string, logger *zap.Logger) (*sql.DB, error) {
	dbConn, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	logger.Info("running migrations")
	ver, err := db.Migrate(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	logger.Info("migrations complete", zap.Uint("version", ver))
	return dbConn, nil
}

func mirrorConfig(cfg *config.Config) server.MirrorConfig {
	return server.MirrorConfig{
		Endpoint:  cfg.Mirror.Endpoint,
		AccessKey: cfg.Mirror.AccessKey,
		SecretKey: cfg.Mirror.SecretKey,
		Bucket:    cfg.Mirror.Bucket,
		Prefix:    cfg.Mirror.Prefix,
		QueueSize: cfg.Mirror.QueueSize,
	}
}

const redisPingTimeout = 2 * time.Second

// buildLimiter returns the configured limiter and a func releasing it. A
// Redis limiter whose server does not answer at startup is replaced by the
// in-memory one. A nil limiter disables rate limiting.
func buildLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (server.Limiter, func()) {
	if !cfg.Enabled {
		logger.Info("rate limiting disabled")
		return nil, func() {}
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rl := server.NewRedisLimiter(client, cfg.Requests, cfg.Window)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := rl.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("rate limiting with redis", zap.String("addr", cfg.RedisAddr))
			return rl, func() { _ = client.Close() }
		}
		_ = client.Close()
		logger.Warn("redis unreachable, using in-memory rate limiter",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	ml := server.NewMemoryLimiter(cfg.Requests, cfg.Window)
	return ml, ml.Close
}
