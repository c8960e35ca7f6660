package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	libdb "prepaidmeter/backend/libs/db"
	libmongo "prepaidmeter/backend/libs/mongo"
	"prepaidmeter/backend/services/metering-service/internal/config"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/repository/memory"
	"prepaidmeter/backend/services/metering-service/internal/repository/mongo"
	"prepaidmeter/backend/services/metering-service/internal/repository/postgres"
)

// OpenStore connects the configured backend and prepares its schema or indexes.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		sqlDB, err := libdb.NewPostgresDB(ctx, cfg.Postgres.DSN, libdb.Pool{MaxOpen: cfg.Postgres.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("using postgres store")
		return postgres.New(sqlDB), nil

	case config.DriverMongo:
		client, err := libmongo.NewMongoClient(cfg.Mongo.URI)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		store := mongo.New(client.Database(cfg.Mongo.Database), logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		logger.Info("using mongo store", zap.String("database", cfg.Mongo.Database))
		return store, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, balances are lost on restart")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
