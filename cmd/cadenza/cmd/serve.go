package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-automation/cadenza/internal/capabilities"
	"github.com/cadenza-automation/cadenza/internal/core/api"
	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/core/config"
	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/core/server"
	"github.com/cadenza-automation/cadenza/internal/core/telemetry"
	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/engine"
	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/listener"
	"github.com/cadenza-automation/cadenza/internal/platform"
	"github.com/cadenza-automation/cadenza/internal/rules"
	"github.com/cadenza-automation/cadenza/internal/stats"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, gRPC ingest and the rule engine",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (host:port)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address (host:port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	httpAddr, grpcAddr := cfg.HTTP.Addr(), cfg.GRPC.Addr()
	if cmd.Flags().Changed("http-addr") {
		httpAddr, _ = cmd.Flags().GetString("http-addr")
	}
	if cmd.Flags().Changed("grpc-addr") {
		grpcAddr, _ = cmd.Flags().GetString("grpc-addr")
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	secrets, err := config.WebhookSecrets()
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(secrets)

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()
	ruleStore, execLog := st.rules, st.log

	agg := stats.NewAggregator()
	if err := agg.Recompute(ctx, execLog); err != nil {
		return fmt.Errorf("failed to rebuild statistics: %w", err)
	}

	deduper, closeRedis, err := openDeduper(ctx, cfg, st.queries)
	if err != nil {
		return err
	}
	defer closeRedis()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("cadenza"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer func() { _ = nc.Drain() }()
	}

	disp := dispatch.New(dispatch.Config{
		MaxAttempts:          cfg.Dispatch.MaxAttempts,
		InitialBackoff:       cfg.Dispatch.InitialBackoff,
		MaxBackoff:           cfg.Dispatch.MaxBackoff,
		ActionTimeout:        cfg.Dispatch.ActionTimeout,
		DefaultPlatformLimit: cfg.Dispatch.DefaultPlatformLimit,
		PlatformLimits:       cfg.Dispatch.PlatformLimits,
	}, dispatch.NewTable(), reg, tel, logger)
	if err := capabilities.Install(disp, cfg.Capabilities, capabilities.Deps{
		Logger:        logger,
		HTTPClient:    &http.Client{Timeout: cfg.Dispatch.ActionTimeout},
		Secrets:       verifier,
		NATS:          nc,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	}); err != nil {
		return fmt.Errorf("failed to install capabilities: %w", err)
	}

	var eng *engine.Engine
	pool := listener.NewPool(func(ctx context.Context, ev types.Event) error {
		return eng.Submit(ctx, ev)
	}, reg, listener.Config{BufferSize: cfg.Listener.BufferSize}, logger)
	if nc != nil {
		registerNATSSources(pool, reg, nc, cfg.NATS.SubjectPrefix, logger)
	}

	eng = engine.New(engine.Config{
		Workers:                 cfg.Engine.Workers,
		QueueSize:               cfg.Engine.QueueSize,
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		RecordSkipped:           cfg.Engine.RecordSkipped,
		IdempotencyTTL:          cfg.Engine.IdempotencyTTL,
	}, engine.Deps{
		Store:     ruleStore,
		Executor:  disp,
		Log:       stats.NewRecorder(execLog, agg),
		Deduper:   deduper,
		Listeners: pool,
		Telemetry: tel,
		Logger:    logger,
	})
	mgr := engine.NewManager(ruleStore, rules.NewValidator(reg, listener.ValidateTrigger), eng, agg, logger)

	if cfg.Rules.Dir != "" {
		rs, err := store.LoadDir(cfg.Rules.Dir)
		if err != nil {
			return err
		}
		res, err := mgr.Import(ctx, rs)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", cfg.Rules.Dir, err)
		}
		logger.Info().Str("dir", cfg.Rules.Dir).Int("created", len(res.Created)).Int("updated", len(res.Updated)).Msg("rules loaded")
	}
	if err := eng.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("some listeners failed to start")
	}
	eng.Start()

	svc, err := api.NewService(api.Deps{
		Rules:     mgr,
		Listeners: pool,
		Platforms: reg,
		Log:       execLog,
		Stats:     agg,
		Verifier:  verifier,
		Logger:    logger,

		WebhookDedupeWindow: cfg.API.WebhookDedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}
	httpSrv := server.NewHTTPServer(httpAddr, svc, logger)
	grpcSrv, err := server.NewGRPCServer(grpcAddr, server.NewIngest(pool), verifier, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to create grpc server: %w", err)
	}

	logger.Info().Str("version", Version).Str("http", httpAddr).Str("grpc", grpcAddr).Msg("starting cadenza")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error { return grpcSrv.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Ingress first, then listeners drain into the engine, then the
		// engine finishes in-flight executions.
		return errors.Join(
			httpSrv.Shutdown(sctx),
			grpcSrv.Shutdown(sctx),
			pool.Stop(sctx),
			eng.Stop(sctx),
		)
	})
	return g.Wait()
}

// storage is the persistence chosen by openStorage. queries is nil when
// everything is kept in memory.
type storage struct {
	rules   store.RuleStore
	log     execlog.Log
	queries *db.Queries
	close   func()
}

// openStorage returns SQL-backed storage when a database is configured and
// in-memory storage otherwise.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.Database.URL == "" {
		logger.Warn().Msg("no database configured; rules and executions are kept in memory")
		return &storage{rules: store.NewMemoryStore(), log: execlog.NewMemoryLog(), close: func() {}}, nil
	}
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(cfg.Database.URL, ":memory:") {
		err = db.MigrateUp(ctx, database)
	} else {
		err = requireMigrated(ctx, database)
	}
	if err != nil {
		database.Close()
		return nil, err
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return &storage{
		rules:   store.NewSQLStore(queries),
		log:     execlog.NewSQLLog(queries),
		queries: queries,
		close:   func() { database.Close() },
	}, nil
}

func requireMigrated(ctx context.Context, database *sqlx.DB) error {
	migrations, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, m := range migrations {
		if !m.Applied {
			return fmt.Errorf("migration %s not applied - run 'cadenza migrate' first", m.ID)
		}
	}
	return nil
}

// openDeduper prefers Redis, then the database, so idempotency claims
// outlive the process whenever either is configured.
func openDeduper(ctx context.Context, cfg *config.Config, queries *db.Queries) (engine.Deduper, func(), error) {
	if cfg.Redis.URL == "" {
		if queries != nil {
			return engine.NewSQLDeduper(queries), func() {}, nil
		}
		return engine.NewMemoryDeduper(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return engine.NewRedisDeduper(client, "cadenza:idem:"), func() { client.Close() }, nil
}

// registerNATSSources subscribes push listeners of every platform to its
// NATS subject tree. Schedules are local and webhooks arrive over HTTP.
func registerNATSSources(pool *listener.Pool, reg *platform.Registry, nc *nats.Conn, prefix string, logger zerolog.Logger) {
	factory := listener.NewNATSSourceFactory(nc, prefix, logger)
	for _, p := range reg.List() {
		kinds := p.TriggerKinds
		if len(kinds) == 0 {
			kinds = types.TriggerKinds
		}
		for _, k := range kinds {
			if k == types.TriggerSchedule || k == types.TriggerWebhook {
				continue
			}
			pool.RegisterSource(p.ID, k, factory)
		}
	}
}
