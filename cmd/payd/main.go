package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairlinestudio/open-pay-go/internal/platform/audit"
	"github.com/fairlinestudio/open-pay-go/internal/platform/auth"
	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/config"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
	"github.com/fairlinestudio/open-pay-go/internal/platform/ratelimit"
	"github.com/fairlinestudio/open-pay-go/internal/platform/recovery"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
	"github.com/fairlinestudio/open-pay-go/internal/platform/saga"
	"github.com/fairlinestudio/open-pay-go/internal/platform/server"
)

const defaultJWTSecret = "dev-insecure-change-me"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotenv(envOr("PAY_ENV_FILE", ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(envOr("PAY_ENV", "production"))
	defer func() { _ = logger.Sync() }()

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	version := envOr("PAY_VERSION", "dev")
	httpAddr := envOr("PAY_HTTP_ADDR", ":8080")
	strict := envBool("PAY_STRICT", false)
	mongoURL := envOr("PAY_MONGO_URL", "")
	databaseURL := envOr("PAY_DATABASE_URL", "")
	redisAddr := envOr("PAY_REDIS_ADDR", "")
	jwtSecret := envOr("PAY_JWT_SECRET", defaultJWTSecret)
	accessTTL := envDuration("PAY_ACCESS_TTL", 15*time.Minute)
	tlsEnabled := envBool("PAY_TLS_ENABLED", false)

	if err := validateProductionRuntime(strict, mongoURL, databaseURL, redisAddr, tlsEnabled, jwtSecret); err != nil {
		logger.Fatal("invalid production runtime", zap.Error(err))
	}

	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:           tlsEnabled,
		CertFile:          envOr("PAY_TLS_CERT_FILE", ""),
		KeyFile:           envOr("PAY_TLS_KEY_FILE", ""),
		ClientCAFile:      envOr("PAY_TLS_CLIENT_CA_FILE", ""),
		RequireClientCert: envBool("PAY_TLS_REQUIRE_CLIENT_CERT", false),
	})
	if err != nil {
		logger.Fatal("configure tls", zap.Error(err))
	}

	checks := make(map[string]func(context.Context) error)

	// Shared cache and event bus. Redis makes both replica-safe; without it
	// the process falls back to in-memory state.
	var sharedCache cache.Cache
	var broker bus.Bus
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: envOr("PAY_REDIS_PASSWORD", ""),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		defer rdb.Close()
		sharedCache = cache.NewRedis(rdb)
		broker = bus.NewRedisBus(rdb, logger)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		sharedCache = cache.NewMemory(clk)
		broker = bus.NewMemory(logger)
	}
	defer broker.Close()

	var mongoClient *mongo.Client
	var mongoSessions repo.Sessions
	if mongoURL != "" {
		mongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
		if err != nil {
			logger.Fatal("connect mongo", zap.Error(err))
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			logger.Fatal("ping mongo", zap.Error(err))
		}
		defer func() { _ = mongoClient.Disconnect(context.Background()) }()
		mongoSessions = repo.NewMongoSessions(mongoClient)
		checks["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }
	}

	var db *sql.DB
	if databaseURL != "" {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("ping database", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = func(ctx context.Context) error { return db.PingContext(ctx) }
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	var configBackend config.Backend
	if db != nil {
		configBackend = config.NewPostgresBackend(db)
	} else {
		configBackend = config.NewMemoryBackend()
	}
	configs := config.NewStore(configBackend, clk, logger)
	for _, svc := range []string{"auth", "payment", "bonus", "notify"} {
		if err := configs.RegisterDefaults(ctx, svc, []config.Default{
			{Key: "database.name", Value: "open_pay_" + svc, Description: "document database for the service's collections"},
		}); err != nil {
			logger.Fatal("register config defaults", zap.String("service", svc), zap.Error(err))
		}
	}

	strategy := server.DatabaseStrategy{Configs: configs}
	dbFor := func(service string) *mongo.Database {
		if mongoClient == nil {
			return nil
		}
		return mongoClient.Database(strategy.DatabaseFor(ctx, service, "", ""))
	}

	users := newRepo(dbFor("auth"), sharedCache, clk, func() *server.User { return &server.User{} },
		repo.Config{Collection: "users", CacheTTL: 30 * time.Second, Indexes: server.UserIndexes()})
	sessions := newRepo(dbFor("auth"), nil, clk, func() *server.Session { return &server.Session{} },
		repo.Config{Collection: "sessions", Indexes: server.SessionIndexes()})
	wallets := newRepo(dbFor("payment"), nil, clk, func() *server.Wallet { return &server.Wallet{} },
		repo.Config{Collection: "wallets", Indexes: server.WalletIndexes()})
	walletTxs := newRepo(dbFor("payment"), nil, clk, func() *server.WalletTransaction { return &server.WalletTransaction{} },
		repo.Config{Collection: "wallet_transactions", Indexes: server.WalletTransactionIndexes()})
	transfers := newRepo(dbFor("payment"), nil, clk, func() *server.Transfer { return &server.Transfer{} },
		repo.Config{Collection: "transfers", Indexes: server.TransferIndexes()})
	templates := newRepo(dbFor("bonus"), sharedCache, clk, func() *server.BonusTemplate { return &server.BonusTemplate{} },
		repo.Config{Collection: "bonus_templates", CacheTTL: 5 * time.Minute, Indexes: server.BonusTemplateIndexes()})
	bonuses := newRepo(dbFor("bonus"), nil, clk, func() *server.UserBonus { return &server.UserBonus{} },
		repo.Config{Collection: "user_bonuses", Indexes: server.UserBonusIndexes()})
	notifications := newRepo(dbFor("notify"), nil, clk, func() *server.Notification { return &server.Notification{} },
		repo.Config{Collection: "notifications", Indexes: server.NotificationIndexes()})

	for _, ensure := range []func(context.Context) error{
		users.EnsureIndexes, sessions.EnsureIndexes, wallets.EnsureIndexes,
		walletTxs.EnsureIndexes, transfers.EnsureIndexes, templates.EnsureIndexes,
		bonuses.EnsureIndexes, notifications.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			logger.Fatal("ensure indexes", zap.Error(err))
		}
	}

	trail := audit.NewTrail()
	var ledger *server.LedgerService
	if db != nil {
		ledger = server.NewPostgresLedgerService(db, clk, trail, metrics)
	} else {
		ledger = server.NewMemoryLedgerService(clk, trail, metrics)
	}

	signer := auth.NewSigner(jwtSecret, accessTTL, clk)
	verifier := auth.NewVerifier(jwtSecret, clk)
	hasher := auth.NewHasher(envInt("PAY_BCRYPT_COST", 0))

	identity := server.NewIdentityService(users, sessions, signer, hasher, sharedCache, broker, clk, metrics, server.IdentityConfig{
		AccessTTL:         accessTTL,
		SessionTTL:        envDuration("PAY_SESSION_TTL", 0),
		LockoutThreshold:  envInt("PAY_LOCKOUT_THRESHOLD", 0),
		LockoutDuration:   envDuration("PAY_LOCKOUT_DURATION", 0),
		MaxActiveSessions: envInt("PAY_MAX_ACTIVE_SESSIONS", 0),
	})

	tracker := opstate.NewTracker(sharedCache, clk)
	wallet := server.NewWalletService(
		wallets, walletTxs, transfers, ledger,
		saga.NewOrchestrator(sharedCache), tracker,
		broker, clk, metrics,
	)

	bonus := server.NewBonusService(templates, bonuses, wallet, broker, clk, metrics)
	bonus.Register(server.NewDailyLoginHandler())
	bonus.Register(server.NewBirthdayHandler(users))
	bonus.Register(server.NewFlashHandler(bonuses))
	bonus.Register(server.NewReferralHandler(users))
	bonus.Register(server.NewSeasonalHandler())
	bonus.SubscribeTurnover(broker)

	notify := server.NewNotifyService(notifications, clk, logger, metrics)
	for _, channel := range []string{"email", "sms", "whatsapp", "push", "socket", "sse"} {
		notify.RegisterSender(server.NewLogSender(channel, logger))
	}
	notify.BindEvents(broker, users)

	framework := recovery.NewFramework(tracker, mongoSessions)
	framework.Register(server.NewTransferRecoveryHandler(wallet))

	recoveryJob := recovery.NewJob(framework,
		envDuration("PAY_RECOVERY_INTERVAL", 5*time.Minute),
		envDuration("PAY_RECOVERY_MAX_AGE", 15*time.Minute),
		logger)
	recoveryJob.Start()
	defer recoveryJob.Stop()

	maintenance := server.NewMaintenanceJob(identity, bonus,
		envDuration("PAY_MAINTENANCE_INTERVAL", time.Hour), logger)
	maintenance.Start()
	defer maintenance.Stop()

	limiter := ratelimit.New(sharedCache, clk,
		int64(envInt("PAY_RATE_LIMIT_MAX", 100)),
		envDuration("PAY_RATE_LIMIT_WINDOW", time.Minute))

	gateway := server.NewGateway(identity, wallet, bonus, notify, configs, framework, verifier, limiter, logger, metrics)

	mux := http.NewServeMux()
	system := server.SystemHandler{
		StartedAt: startedAt,
		Clock:     clk,
		Version:   version,
		Gatherer:  reg,
		Checks:    checks,
	}
	system.Register(mux)
	mux.Handle("/", gateway.Router())

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", httpAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// validateProductionRuntime rejects configurations that must not reach
// production. Non-strict mode keeps local development friction-free.
func validateProductionRuntime(strict bool, mongoURL, databaseURL, redisAddr string, tlsEnabled bool, jwtSecret string) error {
	if !strict {
		return nil
	}
	if mongoURL == "" {
		return fmt.Errorf("strict mode requires PAY_MONGO_URL")
	}
	if databaseURL == "" {
		return fmt.Errorf("strict mode requires PAY_DATABASE_URL")
	}
	if redisAddr == "" {
		return fmt.Errorf("strict mode requires PAY_REDIS_ADDR")
	}
	if !tlsEnabled {
		return fmt.Errorf("strict mode requires tls")
	}
	if jwtSecret == defaultJWTSecret {
		return fmt.Errorf("strict mode rejects the default jwt secret")
	}
	return nil
}

func newRepo[T repo.Entity](db *mongo.Database, c cache.Cache, clk clock.Clock, newT func() T, cfg repo.Config) *repo.Repository[T] {
	if db != nil {
		return repo.New(repo.NewMongo(db.Collection(cfg.Collection), newT), c, clk, newT, cfg)
	}
	return repo.New(repo.NewMemory(newT), c, clk, newT, cfg)
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "dev" || env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
