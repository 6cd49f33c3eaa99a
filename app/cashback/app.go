package cashback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/socialtag/cashback/app/cashback/types"
	"github.com/socialtag/cashback/pkg/db/memory"
	"github.com/socialtag/cashback/pkg/db/postgres"
	cashbackdb "github.com/socialtag/cashback/pkg/db/postgres/cashback"
	"github.com/socialtag/cashback/pkg/indexer"
	"github.com/socialtag/cashback/pkg/logging"
	"github.com/socialtag/cashback/pkg/payout"
	"github.com/socialtag/cashback/pkg/redis"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/socialtag/cashback/pkg/scheduler"
	"github.com/socialtag/cashback/pkg/utils"
	"go.uber.org/zap"
)

const sweepLockKey = "cashback:sweep:lock"

// Initialize wires the store, chain clients, pipeline and scheduler from the environment.
// Configuration errors are returned; the caller treats them as fatal.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New("cashback")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := rewards.LoadConfig()
	if err != nil {
		return nil, err
	}

	app := &types.App{
		Config:       cfg,
		CronSpec:     utils.Env("SWEEP_CRON", "0 */30 * * * *"),
		SweepTimeout: utils.EnvDuration("SWEEP_TIMEOUT", 25*time.Minute),
		Logger:       logger,
	}

	if err := initStore(ctx, app); err != nil {
		return nil, err
	}

	httpOpts := indexer.OptsFromEnv()
	httpOpts.Logger = logger
	indexerHTTP := indexer.NewHTTPWithOpts(httpOpts)
	transfers := indexer.NewClient(indexerHTTP, cfg, logger)
	app.OptIn = indexer.NewOptInResolver(indexerHTTP,
		utils.EnvInt("OPTIN_CACHE_SIZE", 4096),
		utils.EnvDuration("OPTIN_CACHE_TTL", time.Minute))

	chain, err := payout.NewAlgodChainFromEnv()
	if err != nil {
		return nil, &rewards.ConfigError{Field: "ALGOD_URL", Err: err}
	}
	app.Chain = chain
	submitter, err := payout.NewSubmitter(chain, utils.Env("REWARD_WALLET_MNEMONIC", ""), logger)
	if err != nil {
		return nil, err
	}
	submitter.ConfirmRounds = utils.EnvUint64("CONFIRM_ROUNDS", submitter.ConfirmRounds)
	verifier := indexer.NewPayoutVerifier(indexerHTTP, submitter.Address())

	app.Pipeline, err = rewards.NewPipeline(app.Store, transfers, app.OptIn, submitter, verifier, cfg, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	app.Registrar = &rewards.Registrar{
		Store:     app.Store,
		Transfers: transfers,
		Config:    cfg,
		Logger:    logger.Named("registrar"),
	}

	app.Scheduler = scheduler.New(app.Store, app.Pipeline, utils.EnvInt("SWEEP_CONCURRENCY", 1), logger.Named("scheduler"))

	// Redis is optional: it adds the cross-replica lock and the sweep history.
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err := redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - sweeps will not be coordinated across replicas",
				zap.Error(err))
		} else {
			app.RedisClient = redisClient
			app.Scheduler.Lock = redisClient.NewLock(sweepLockKey, utils.EnvDuration("SWEEP_LOCK_TTL", 30*time.Minute))
			app.Scheduler.Events = redisClient
			logger.Info("Redis client initialized for sweep lock and sweep events")
		}
	} else {
		logger.Info("Redis disabled - sweeps are only coordinated within this process")
	}

	if err := SetupScheduler(ctx, app); err != nil {
		return nil, err
	}

	logger.Info("Cashback service initialized",
		zap.String("store", utils.Env("STORE", "postgres")),
		zap.String("reward_wallet", submitter.Address()),
		zap.Int("pools", len(cfg.Pools)),
		zap.Bool("pool_caps_enforced", cfg.EnforcePoolCaps))
	return app, nil
}

func initStore(ctx context.Context, app *types.App) error {
	switch backend := strings.ToLower(utils.Env("STORE", "postgres")); backend {
	case "memory":
		app.Logger.Warn("Using the in-memory store; ledger and watermarks are lost on restart")
		app.Store = memory.New()
		return nil
	case "postgres":
		db, err := cashbackdb.NewWithPoolConfig(ctx, app.Logger, postgres.GetPoolConfigForComponent("cashback_scheduler"))
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		app.Store = db
		app.SetStoreCloser(db.Close)
		return nil
	default:
		return &rewards.ConfigError{Field: "STORE", Err: fmt.Errorf("unknown backend %q", backend)}
	}
}

// SetupScheduler registers the sweep on app.CronSpec. The spec has a seconds field.
func SetupScheduler(ctx context.Context, app *types.App) error {
	logger := cronLogger{app.Logger.Named("cron").Sugar()}
	app.Cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := app.Cron.AddFunc(app.CronSpec, func() {
		app.SweepNow(ctx)
	})
	if err != nil {
		return &rewards.ConfigError{Field: "SWEEP_CRON", Err: err}
	}
	return nil
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
