package app

import (
	"context"
	"log/slog"

	"github.com/campusledger/campusledger/internal/observability"
	"github.com/campusledger/campusledger/internal/platform/cache"
	"github.com/campusledger/campusledger/internal/platform/db"
)

// Connect opens the storage pool the configured driver needs and, when
// reachable, Redis. An unreachable Redis disables report caching instead of
// failing startup. The returned func releases every opened resource.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (Deps, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps := Deps{Logger: logger, Metrics: metrics}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.StoreDriver == DriverPostgres {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return Deps{}, closeAll, err
		}
		deps.Pool = pool
		closers = append(closers, pool.Close)
	}

	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, report cache disabled", slog.Any("error", err))
	} else {
		deps.Redis = client
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}
	return deps, closeAll, nil
}
