package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"p2pescrow/config"
	"p2pescrow/core"
	"p2pescrow/observability/logging"
	telemetry "p2pescrow/observability/otel"
	"p2pescrow/services/settlement-gateway/auth"
	gatewaycfg "p2pescrow/services/settlement-gateway/config"
	"p2pescrow/services/settlement-gateway/identity"
	"p2pescrow/services/settlement-gateway/middleware"
	"p2pescrow/services/settlement-gateway/models"
	"p2pescrow/services/settlement-gateway/notify"
	"p2pescrow/services/settlement-gateway/orderbook"
	"p2pescrow/services/settlement-gateway/recon"
	"p2pescrow/services/settlement-gateway/server"
	"p2pescrow/storage"
)

const serviceName = "settlement-gateway"

func main() {
	configPath := flag.String("config", os.Getenv("SETTLE_CONFIG"), "path to the gateway YAML configuration")
	flag.Parse()

	cfg, err := gatewaycfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions(serviceName, cfg.Env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("settlement gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg gatewaycfg.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(serviceName, cfg.Env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	ledger, err := openLedger(cfg.LedgerConfig)
	if err != nil {
		return err
	}
	defer ledger.Close()

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	directory, err := newDirectory(cfg.Identity)
	if err != nil {
		return err
	}
	rates, err := orderbook.NewStaticRates(cfg.Rates)
	if err != nil {
		return fmt.Errorf("exchange rates: %w", err)
	}
	orders := orderbook.New(db, rates, orderbook.Config{
		MaxOpenOrders: cfg.Orders.MaxOpenOrders,
		OrderTTL:      cfg.Orders.TTL.Duration,
		MaxCandidates: cfg.Orders.MaxCandidates,
		ScanLimit:     cfg.Orders.ScanLimit,
	})

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		notifiers = append(notifiers, notify.NewRedisNotifier(client, cfg.Redis.Prefix, cfg.Redis.Dedupe.Duration))
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Source:    recon.LedgerSource{Log: ledger},
		Authority: ledger,
		Depth:     cfg.Recon.Depth,
		PageSize:  cfg.Recon.PageSize,
		OutputDir: cfg.Recon.OutputDir,
		DryRun:    cfg.Recon.DryRun,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := recon.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, GroupID: cfg.Kafka.GroupID}
		publisher, err := recon.NewKafkaPublisher(kafkaCfg)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer publisher.Close()
		ledger.AddPublisher(publisher)
		consumer, err := recon.NewKafkaConsumer(kafkaCfg, reconciler.Applier())
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		g.Go(func() error { return consumer.Run(ctx) })
	} else {
		ledger.AddPublisher(reconciler.Applier())
	}

	authMW, err := auth.NewMiddleware(auth.JWTOptions{
		Issuer:         cfg.JWT.Issuer,
		Audience:       cfg.JWT.Audience,
		MaxSkewSeconds: cfg.JWT.MaxSkewSeconds,
		HSSecretEnv:    cfg.JWT.HSSecretEnv,
		RoleClaim:      cfg.JWT.RoleClaim,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	srv, err := server.New(server.Config{
		DB:        db,
		Ledger:    ledger,
		Orders:    orders,
		Directory: directory,
		Notifier:  notifiers,
		Auth:      authMW,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			IdleTTL:           cfg.RateLimit.IdleTTL.Duration,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Recon.Interval.Duration,
		RunOnStart: cfg.Recon.RunOnStart,
		Logger:     logger,
	})
	g.Go(func() error {
		scheduler.Start(ctx)
		return nil
	})
	g.Go(func() error { return sweepLoop(ctx, cfg.SweepInterval.Duration, ledger, orders, logger) })

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting settlement gateway", "addr", cfg.ListenAddress, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openLedger(path string) (*core.Ledger, error) {
	ledgerCfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("ledger config: %w", err)
	}
	opts, err := core.OptionsFromConfig(ledgerCfg)
	if err != nil {
		return nil, fmt.Errorf("ledger options: %w", err)
	}
	db, err := storage.NewLevelDB(ledgerCfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	ledger, err := core.NewLedger(db, opts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return ledger, nil
}

// openDatabase selects the gorm dialect from the DSN. "sqlite:" DSNs use the
// pure-Go sqlite driver for local runs.
func openDatabase(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if rest, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(rest)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	return db, nil
}

func newDirectory(cfg gatewaycfg.IdentityConfig) (identity.Directory, error) {
	if cfg.BaseURL != "" {
		client, err := identity.NewClient(identity.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout.Duration})
		if err != nil {
			return nil, fmt.Errorf("identity client: %w", err)
		}
		return client, nil
	}
	static, err := identity.NewStatic(cfg.Static)
	if err != nil {
		return nil, fmt.Errorf("identity directory: %w", err)
	}
	return static, nil
}

// sweepLoop drives deadline-based ledger transitions and expires stale orders.
func sweepLoop(ctx context.Context, interval time.Duration, ledger *core.Ledger, orders *orderbook.Service, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := ledger.Sweep(ctx); err != nil {
			logger.Warn("ledger sweep failed", "error", err)
		}
		expired, err := orders.SweepExpired(ctx, time.Now())
		if err != nil {
			logger.Warn("order expiry sweep failed", "error", err)
			continue
		}
		if expired > 0 {
			logger.Info("expired stale orders", "count", expired)
		}
	}
}
