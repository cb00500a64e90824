package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-orchestrator/internal/db"
)

// Open builds the Store selected by cfg.Driver. The postgres driver runs
// pending migrations before returning.
func Open(ctx context.Context, cfg Config, dbCfg db.Config) (Store, error) {
	switch cfg.Driver {
	case DriverBadger:
		slog.Info("Using embedded badger store", "path", cfg.BadgerPath)
		return NewBadgerStore(cfg.BadgerPath)
	case DriverPostgres, "":
		if err := db.RunMigrations(ctx, dbCfg); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := db.Connect(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
