// cleanup.go - Background removal of abandoned upload staging files.
package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"file-drop/internal/filestore"
)

// CleanupConfig holds configuration for the cleanup job
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
	Store    *filestore.Store
	Logger   *zap.Logger
}

// StartCleanupJob periodically removes staging files left behind by
// crashed or killed uploads. It blocks until ctx is done.
func StartCleanupJob(ctx context.Context, cfg CleanupConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cleanup"))

	if !cfg.Enabled {
		logger.Info("cleanup disabled")
		return
	}

	logger.Info("cleanup starting",
		zap.Duration("interval", cfg.Interval),
		zap.Duration("max_age", cfg.MaxAge))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	runCleanup(cfg.Store, cfg.MaxAge, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup shutting down")
			return
		case <-ticker.C:
			runCleanup(cfg.Store, cfg.MaxAge, logger)
		}
	}
}

func runCleanup(store *filestore.Store, maxAge time.Duration, logger *zap.Logger) int {
	start := time.Now()
	removed, err := store.RemoveStaleTemps(maxAge)
	if err != nil {
		logger.Warn("cleanup run failed", zap.Error(err))
		return 0
	}
	logger.Info("cleanup complete",
		zap.Int("removed", removed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return removed
}
