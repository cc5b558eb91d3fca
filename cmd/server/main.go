package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/crosslogic/finance-service/internal/accounting"
	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/config"
	"github.com/crosslogic/finance-service/internal/gateway"
	"github.com/crosslogic/finance-service/internal/notifications"
	"github.com/crosslogic/finance-service/internal/orchestrator"
	"github.com/crosslogic/finance-service/internal/scheduler"
	"github.com/crosslogic/finance-service/internal/strategy"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/cache"
	"github.com/crosslogic/finance-service/pkg/database"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	strategyPrePaid  = "prepaid"
	strategyPostPaid = "postpaid"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("finance service failed", zap.Error(err))
	}
	logger.Info("finance service stopped")
}

// stores groups the persistence backends.
type stores struct {
	tenants tenants.Store
	plans   billing.PlanStore
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting finance service",
		zap.Strings("strategies", cfg.Finance.Strategies),
		zap.String("replica_id", cfg.Finance.ReplicaID),
	)

	var checks []gateway.HealthCheck
	st := stores{}

	if cfg.Database.Enabled() {
		db, err := database.NewDatabase(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		st.tenants = database.NewTenantStore(db)
		st.plans = database.NewPlanStore(db)
		checks = append(checks, gateway.HealthCheck{Name: "postgres", Check: db.Health})
		logger.Info("connected to database")
	} else {
		mem := database.NewMemoryStore()
		st.tenants, st.plans = mem, mem
		logger.Warn("no database configured, finance state is kept in memory")
	}

	var redisCache *cache.Cache
	var lease scheduler.Lease = scheduler.LocalLease{}
	if cfg.Redis.Enabled() {
		var err error
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		lease = scheduler.NewRedisLease(redisCache, cfg.Finance.ReplicaID, cfg.Finance.LeaseTTL)
		checks = append(checks, gateway.HealthCheck{Name: "redis", Check: redisCache.Health})
		logger.Info("connected to Redis")
	}

	bus := events.NewBus(logger.Named("events"))
	defer bus.Wait()

	if cfg.Notifications.WebhookURL != "" {
		notifier := notifications.NewService(notifications.Config{
			WebhookURL:    cfg.Notifications.WebhookURL,
			WebhookSecret: cfg.Notifications.WebhookSecret,
		}, redisCache, logger)
		notifier.Subscribe(bus)
		notifier.Start(ctx)
		defer notifier.Stop()
	}

	usage := accounting.NewClient(accounting.Config{
		BaseURL:         cfg.Accounting.URL,
		Token:           cfg.Accounting.Token,
		LocalProviderID: cfg.Accounting.LocalProviderID,
		Timeout:         cfg.Accounting.Timeout,
		MaxRetries:      cfg.Accounting.MaxRetries,
	}, logger)
	defer usage.Close()

	ras := orchestrator.NewClient(orchestrator.Config{
		BaseURL: cfg.Orchestrator.URL,
		Token:   cfg.Orchestrator.Token,
		Timeout: cfg.Orchestrator.Timeout,
	}, logger)
	defer ras.Close()

	holder := tenants.NewHolder(st.tenants, logger)
	deps := strategy.Deps{
		Holder:       holder,
		Usage:        usage,
		Orchestrator: ras,
		Plans:        st.plans,
		Events:       bus,
		Lease:        lease,
		CallTimeout:  cfg.Accounting.Timeout,
		Logger:       logger,
	}
	if cfg.Redis.Enabled() {
		deps.LeaseTTL = cfg.Finance.LeaseTTL
	}

	manager := strategy.NewManager()
	for _, name := range cfg.Finance.Strategies {
		s, err := buildStrategy(ctx, name, cfg.Finance, st.plans, deps)
		if err != nil {
			return err
		}
		if err := manager.Add(s); err != nil {
			return err
		}
		logger.Info("billing strategy enabled", zap.String("strategy", name))
	}

	if err := holder.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}

	var webhook http.Handler
	if cfg.Billing.StripeWebhookSecret != "" {
		webhook = http.HandlerFunc(billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, manager, redisCache, logger.Named("stripe")).HandleWebhook)
	}

	gw := gateway.NewGateway(ctx, gateway.Config{
		AdminToken:  cfg.Security.AdminAPIToken,
		MetricsPath: cfg.Monitoring.MetricsPath,
	}, manager, webhook, checks, logger)
	gw.StartHealthMetrics(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	manager.StartAll(ctx)
	defer manager.StopAll()

	// every replica follows tenants registered and billed elsewhere
	if cfg.Database.Enabled() {
		syncer := scheduler.NewWorker("tenant-sync", cfg.Finance.SyncInterval, scheduler.UnitFunc(holder.Sync), logger.Named("scheduler"))
		syncer.Start(ctx)
		defer syncer.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down admin API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func buildStrategy(ctx context.Context, name string, cfg config.FinanceConfig, plans billing.PlanStore, deps strategy.Deps) (strategy.Strategy, error) {
	loadCtx, cancel := context.WithTimeout(ctx, cfg.PlanTimeout)
	defer cancel()

	switch name {
	case strategyPrePaid:
		plan, err := billing.LoadPlan(loadCtx, plans, cfg.PrePaid.PlanName, cfg.PrePaid.RulesFile)
		if err != nil {
			return nil, err
		}
		return strategy.NewPrePaid(name, plan, cfg.PrePaid.DeductionInterval, deps), nil
	case strategyPostPaid:
		plan, err := billing.LoadPlan(loadCtx, plans, cfg.PostPaid.PlanName, cfg.PostPaid.RulesFile)
		if err != nil {
			return nil, err
		}
		return strategy.NewPostPaid(name, plan, strategy.PostPaidOptions{
			BillingInterval: cfg.PostPaid.BillingInterval,
			InvoiceWait:     cfg.PostPaid.InvoiceWait,
		}, deps), nil
	}
	return nil, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, name)
}
