package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/config"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
	"github.com/fairlinestudio/open-pay-go/internal/platform/recovery"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
	"github.com/fairlinestudio/open-pay-go/internal/platform/saga"
	"github.com/fairlinestudio/open-pay-go/internal/platform/server"
)

// Exit codes: 0 ok, 1 configuration error, 2 dependency unavailable,
// 3 validation failure, 4 fatal runtime error.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitValidation = 3
	exitFatal      = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	opType := flag.String("type", "", "recover one operation of this type (requires -id)")
	opID := flag.String("id", "", "recover this operation id (requires -type)")
	maxAge := flag.Duration("max-age", 15*time.Minute, "minimum age before an operation counts as stuck")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotenv(envOr("PAY_ENV_FILE", ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		return exitConfig
	}

	mongoURL := envOr("PAY_MONGO_URL", "")
	databaseURL := envOr("PAY_DATABASE_URL", "")
	redisAddr := envOr("PAY_REDIS_ADDR", "")
	if mongoURL == "" || databaseURL == "" || redisAddr == "" {
		fmt.Fprintln(os.Stderr, "PAY_MONGO_URL, PAY_DATABASE_URL and PAY_REDIS_ADDR are required")
		return exitConfig
	}
	if (*opType == "") != (*opID == "") {
		fmt.Fprintln(os.Stderr, "-type and -id must be given together")
		return exitConfig
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = logger.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: envOr("PAY_REDIS_PASSWORD", ""),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "ping redis: %v\n", err)
		return exitDependency
	}
	defer rdb.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect mongo: %v\n", err)
		return exitDependency
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "ping mongo: %v\n", err)
		return exitDependency
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return exitDependency
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ping database: %v\n", err)
		return exitDependency
	}

	clk := clock.RealClock{}
	sharedCache := cache.NewRedis(rdb)
	mdb := mongoClient.Database(envOr("PAY_MONGO_DATABASE", "open_pay_payment"))

	wallets := newRepo(mdb, clk, func() *server.Wallet { return &server.Wallet{} },
		repo.Config{Collection: "wallets", Indexes: server.WalletIndexes()})
	walletTxs := newRepo(mdb, clk, func() *server.WalletTransaction { return &server.WalletTransaction{} },
		repo.Config{Collection: "wallet_transactions", Indexes: server.WalletTransactionIndexes()})
	transfers := newRepo(mdb, clk, func() *server.Transfer { return &server.Transfer{} },
		repo.Config{Collection: "transfers", Indexes: server.TransferIndexes()})

	ledger := server.NewPostgresLedgerService(db, clk, nil, nil)
	tracker := opstate.NewTracker(sharedCache, clk)
	wallet := server.NewWalletService(
		wallets, walletTxs, transfers, ledger,
		saga.NewOrchestrator(sharedCache), tracker,
		nil, clk, nil,
	)

	framework := recovery.NewFramework(tracker, repo.NewMongoSessions(mongoClient))
	framework.Register(server.NewTransferRecoveryHandler(wallet))

	if *opType != "" {
		return recoverOne(ctx, framework, *opType, *opID)
	}

	job := recovery.NewJob(framework, time.Minute, *maxAge, logger)
	repaired, failed := job.Sweep(ctx)
	fmt.Printf("repaired=%d failed=%d\n", repaired, failed)
	if failed > 0 {
		return exitFatal
	}
	return exitOK
}

func recoverOne(ctx context.Context, framework *recovery.Framework, opType, opID string) int {
	outcome, err := framework.Recover(ctx, opType, opID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover %s/%s: %v\n", opType, opID, err)
		switch errs.KindOf(err) {
		case errs.InvalidInput, errs.NotFound:
			return exitValidation
		case errs.DependencyUnavailable:
			return exitDependency
		default:
			return exitFatal
		}
	}
	out, _ := json.Marshal(outcome)
	fmt.Println(string(out))
	return exitOK
}

func newRepo[T repo.Entity](db *mongo.Database, clk clock.Clock, newT func() T, cfg repo.Config) *repo.Repository[T] {
	return repo.New(repo.NewMongo(db.Collection(cfg.Collection), newT), nil, clk, newT, cfg)
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
