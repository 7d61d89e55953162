// Command chatgraph serves the chat graph over HTTP with server-sent events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chatgraph/config"
	"github.com/smallnest/chatgraph/llm"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/prebuilt"
	"github.com/smallnest/chatgraph/server"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/memory"
	"github.com/smallnest/chatgraph/store/postgres"
	"github.com/smallnest/chatgraph/store/redis"
	"github.com/smallnest/chatgraph/store/sqlite"
	"github.com/smallnest/chatgraph/stream"
	"github.com/smallnest/chatgraph/telemetry"
	"github.com/smallnest/chatgraph/workflow"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Error("fatal error: %v", err)
		return 1
	}
	return 0
}

func run(ctx context.Context) error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.SetLogLevel(level)
	logger := log.GetDefaultLogger()

	if err := cfg.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     server.Version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	saver, err := openSaver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer saver.Close()

	model, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	mainGraph, err := prebuilt.CreateMainGraph(model,
		prebuilt.WithCheckpointer(saver),
		prebuilt.WithRecursionLimit(cfg.RecursionLimit),
		prebuilt.WithCallOptions(llm.CallOptions(cfg.LLM)...),
		prebuilt.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	// Producers outlive their requests only until shutdown.
	baseCtx, stopProducers := context.WithCancel(context.Background())
	defer stopProducers()

	gateway, err := stream.NewGateway(workflow.NewRunner(mainGraph, workflow.WithLogger(logger)), stream.Options{
		QueueSize:      cfg.QueueSize,
		KeepAlive:      cfg.KeepAlive,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
		BaseContext:    baseCtx,
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.New(gateway, server.WithSaver(saver), server.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chatgraph listening on %s (backend %s, model %s)", srv.Addr, cfg.Backend, cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("chatgraph shutting down")
		stopProducers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openSaver builds the configured checkpoint backend and runs its Setup.
func openSaver(ctx context.Context, cfg config.Config, logger log.Logger) (store.Saver, error) {
	var (
		saver store.Saver
		err   error
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		saver, err = postgres.NewPostgresSaver(ctx, postgres.PostgresOptions{
			ConnString: cfg.DatabaseURL,
			MaxConns:   int32(cfg.DBMaxConns),
			MinConns:   int32(cfg.DBMinConns),
			OpTimeout:  cfg.AcquireTimeout,
			Logger:     logger,
		})
	case config.BackendSQLite:
		saver, err = sqlite.NewSqliteSaver(sqlite.SqliteOptions{Path: cfg.SQLitePath, Logger: logger})
	case config.BackendRedis:
		saver, err = redis.NewRedisSaver(redis.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
	default:
		saver = memory.NewMemorySaver(memory.MemoryOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s checkpointer: %w", cfg.Backend, err)
	}
	if err := saver.Setup(ctx); err != nil {
		saver.Close()
		return nil, fmt.Errorf("set up %s checkpointer: %w", cfg.Backend, err)
	}
	return saver, nil
}
