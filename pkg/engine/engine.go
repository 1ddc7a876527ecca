// Package engine assembles the orchestration engine: stores, queues, timer
// service, routers, workers and the client API, backed by postgres and redis
// when configured and by in-memory implementations otherwise.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orbitflow/engine/internal/bucket"
	"github.com/orbitflow/engine/internal/commands"
	"github.com/orbitflow/engine/internal/crypto"
	"github.com/orbitflow/engine/internal/entity"
	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/history"
	"github.com/orbitflow/engine/internal/orchestrator"
	"github.com/orbitflow/engine/internal/queue"
	"github.com/orbitflow/engine/internal/registry"
	"github.com/orbitflow/engine/internal/router"
	"github.com/orbitflow/engine/internal/search"
	"github.com/orbitflow/engine/internal/timer"
	"github.com/orbitflow/engine/internal/transaction"
	"github.com/orbitflow/engine/internal/worker"
	"github.com/orbitflow/engine/pkg/client"
)

// Config holds the configuration for an engine instance.
type Config struct {
	// DatabaseURL selects the postgres backends; empty runs on memory stores.
	DatabaseURL string
	// RedisAddr selects the redis queues; empty runs on memory queues.
	RedisAddr string
	// TokenKey seals task completion tokens.
	TokenKey string
	// Namespace prefixes redis keys so several engines can share a server.
	Namespace string

	Orchestrator orchestrator.Config
	Worker       worker.Config
	TxWorker     transaction.WorkerConfig
	Timer        timer.Config

	Logger *slog.Logger
}

// Engine is a fully wired engine instance.
type Engine struct {
	Registry *registry.Registry
	Client   *client.Client

	orchestrator *orchestrator.Orchestrator
	timers       *timer.Service
	worker       *worker.Worker
	txWorker     *transaction.Worker

	pool   *pgxpool.Pool
	redis  *redis.Client
	logger *slog.Logger
}

// New builds an engine from the config. Nothing runs until Start.
func New(ctx context.Context, config Config) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Namespace == "" {
		config.Namespace = "orbitflow"
	}
	if config.TokenKey == "" {
		config.TokenKey = "orbitflow-dev-token-key"
	}

	var (
		pool        *pgxpool.Pool
		redisClient *redis.Client
		err         error
	)

	var (
		histories history.Store
		journal   history.Journal
		execs     executions.Store
		timerSt   timer.Store
		entities  entity.Store
		buckets   bucket.Store
	)
	if config.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		histories = history.NewPostgresStore(pool)
		journal = history.NewPostgresJournal(pool)
		execs = executions.NewPostgresStore(pool)
		timerSt = timer.NewPostgresStore(pool)
		entities = entity.NewPostgresStore(pool)
		buckets = bucket.NewPostgresStore(pool)
	} else {
		histories = history.NewMemoryStore()
		journal = history.NewMemoryJournal()
		execs = executions.NewMemoryStore()
		timerSt = timer.NewMemoryStore()
		entities = entity.NewMemoryStore()
		buckets = bucket.NewMemoryStore()
	}

	var (
		execQueue  queue.ExecutionQueue
		taskQueue  queue.RequestQueue
		txRequests queue.RequestQueue
	)
	if config.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		execQueue = queue.NewRedisExecutionQueue(redisClient, config.Namespace, 0)
		taskQueue = queue.NewRedisRequestQueue(redisClient, config.Namespace+":tasks")
		txRequests = queue.NewRedisRequestQueue(redisClient, config.Namespace+":tx")
	} else {
		execQueue = queue.NewMemoryExecutionQueue()
		taskQueue = queue.NewMemoryRequestQueue()
		txRequests = queue.NewMemoryRequestQueue()
	}

	sealer, err := crypto.NewSealerFromString(config.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("build token sealer: %w", err)
	}

	reg := registry.New()

	timerConfig := config.Timer
	if timerConfig.Logger == nil {
		timerConfig.Logger = logger
	}
	timers := timer.NewService(timerSt, execQueue, execs, timerConfig)

	rt := router.NewRouter(execQueue, execs, logger)
	var busRedis redis.UniversalClient
	if redisClient != nil {
		busRedis = redisClient
	}
	bus := router.NewBus(router.BusConfig{
		Redis:   busRedis,
		Channel: config.Namespace + ":events",
		Logger:  logger,
	})

	txExecutor := transaction.NewExecutor(reg, entities, bus, rt, transaction.Config{Logger: logger})

	cl := client.New(client.Deps{
		Executions:   execs,
		Histories:    histories,
		ExecQueue:    execQueue,
		Router:       rt,
		Bus:          bus,
		Sealer:       sealer,
		Transactions: txExecutor,
		Logger:       logger,
	})

	cmdExecutor := commands.NewExecutor(commands.Deps{
		Tasks:        taskQueue,
		Transactions: txRequests,
		ExecQueue:    execQueue,
		Timers:       timers,
		Router:       rt,
		Bus:          bus,
		Entities:     entities,
		Buckets:      buckets,
		Search:       search.NewService(execs),
		Starter:      cl,
		Logger:       logger,
	})

	orchConfig := config.Orchestrator
	orchConfig.Logger = logger
	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Histories:  histories,
		Journal:    journal,
		Executions: execs,
		ExecQueue:  execQueue,
		Commands:   cmdExecutor,
		Timers:     timers,
	}, orchConfig)

	workerConfig := config.Worker
	workerConfig.Logger = logger
	taskWorker := worker.New(reg, taskQueue, execQueue, execs, timers, sealer, workerConfig)

	txWorkerConfig := config.TxWorker
	txWorkerConfig.Logger = logger
	txWorker := transaction.NewWorker(txExecutor, txRequests, execQueue, txWorkerConfig)

	return &Engine{
		Registry:     reg,
		Client:       cl,
		orchestrator: orch,
		timers:       timers,
		worker:       taskWorker,
		txWorker:     txWorker,
		pool:         pool,
		redis:        redisClient,
		logger:       logger,
	}, nil
}

// Start launches the timer service, orchestrator and workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.timers.Start(ctx); err != nil {
		return err
	}
	if err := e.orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := e.worker.Start(ctx); err != nil {
		return err
	}
	if err := e.txWorker.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started")
	return nil
}

// StartWorkers launches only the task and transaction workers (plus the
// timer service they use for heartbeat monitors). Used by worker-only
// deployments that leave orchestration to other instances.
func (e *Engine) StartWorkers(ctx context.Context) error {
	if err := e.timers.Start(ctx); err != nil {
		return err
	}
	if err := e.worker.Start(ctx); err != nil {
		return err
	}
	if err := e.txWorker.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("workers started")
	return nil
}

// Stop shuts everything down, newest consumers first.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.txWorker.Stop(ctx); err != nil {
		e.logger.Warn("transaction worker stop failed", slog.String("error", err.Error()))
	}
	if err := e.worker.Stop(ctx); err != nil {
		e.logger.Warn("task worker stop failed", slog.String("error", err.Error()))
	}
	if err := e.orchestrator.Stop(ctx); err != nil {
		e.logger.Warn("orchestrator stop failed", slog.String("error", err.Error()))
	}
	if err := e.timers.Stop(ctx); err != nil {
		e.logger.Warn("timer service stop failed", slog.String("error", err.Error()))
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.logger.Info("engine stopped")
	return nil
}

// Running reports whether the timer service (and therefore the engine's
// background machinery) is up. Used by health checks.
func (e *Engine) Running() bool {
	return e.timers.IsRunning()
}
