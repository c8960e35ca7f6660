package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "prepaidmeter/backend/libs/redis"
	"prepaidmeter/backend/services/metering-service/internal/config"
	httpserver "prepaidmeter/backend/services/metering-service/internal/http"
	"prepaidmeter/backend/services/metering-service/internal/http/handlers"
	"prepaidmeter/backend/services/metering-service/internal/password"
	redisstore "prepaidmeter/backend/services/metering-service/internal/redis"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/service"
	"prepaidmeter/backend/services/metering-service/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// App wires metering-service dependencies.
type App struct {
	store       repository.Store
	redisClient *redis.Client
	scheduler   *service.Scheduler
	hub         *ws.Hub
	server      *httpserver.Server
	stopFeed    context.CancelFunc
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{store: store, logger: logger}

	var (
		schedulerOpts []service.SchedulerOption
		locker        service.Locker
	)
	if cfg.RedisEnabled() {
		client, err := libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisClient = client
		lockClient := libredis.NewLocker(client)
		schedulerOpts = append(schedulerOpts,
			service.WithMonitorStore(redisstore.NewMonitorStore(client, cfg.MonitorTTL())),
			service.WithLeaseProvider(redisstore.NewLeaseProvider(lockClient, cfg.LeaseTTL())),
		)
		locker = redisstore.NewLocker(lockClient, logger)
		logger.Info("redis enabled, monitored accounts survive restarts", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("redis not configured, metering pauses on restart until the next login")
	}

	ledger := repository.NewLedger(store, cfg.Store.ScanLimit, logger)
	balance := service.NewBalanceController(store, logger)

	a.hub = ws.NewHub(logger)
	engine := service.NewEngine(store, balance, cfg.Billing.PricePerKWh, logger, service.WithPublisher(a.hub))
	a.scheduler = service.NewScheduler(store, engine, cfg.PollInterval(), logger, schedulerOpts...)

	policy := service.NewPolicy(ledger, nil, service.PolicyConfig{
		BorrowAmount:         cfg.Billing.BorrowAmount,
		WithdrawCooldownDays: cfg.Billing.WithdrawCooldownDays,
		WithdrawRatio:        cfg.Billing.WithdrawRatio,
	})
	tokens := service.NewTokenService(cfg.JWT.Secret, cfg.TokenTTL(), nil)
	accounts := service.NewAccounts(store, ledger, policy, password.NewBcryptHasher(0), tokens, a.scheduler, nil, logger)
	funding := service.NewFunding(store, balance, policy, locker, nil, logger)

	feedCtx, stopFeed := context.WithCancel(context.Background())
	a.stopFeed = stopFeed
	feed := ws.NewServer(feedCtx, a.hub, tokens, 10*time.Second, logger)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Auth:     handlers.NewAuthHandlers(accounts, logger),
		Accounts: handlers.NewAccountHandlers(accounts, logger),
		Funding:  handlers.NewFundingHandlers(funding, logger),
		Health:   handlers.NewHealthHandler(store),
		Feed:     feed.HandleWS,
		Tokens:   tokens,
		Logger:   logger,
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)
	a.server.OnShutdown(func() {
		stopFeed()
		a.hub.CloseAll()
	})

	return a, nil
}

// Run resumes persisted monitors and serves HTTP until ctx is cancelled. Metering loops
// are stopped before it returns.
func (a *App) Run(ctx context.Context) error {
	resumed, err := a.scheduler.Resume(ctx)
	if err != nil {
		a.logger.Warn("resume monitored accounts", zap.Error(err))
	} else if resumed > 0 {
		a.logger.Info("resumed metering", zap.Int("accounts", resumed))
	}

	err = a.server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.scheduler.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("metering loops did not stop in time", zap.Error(serr))
	}
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.stopFeed != nil {
		a.stopFeed()
	}
	if a.hub != nil {
		a.hub.CloseAll()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
