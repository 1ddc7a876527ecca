package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitflow/engine/internal/version"
	"github.com/orbitflow/engine/pkg/engine"
)

func main() {
	var (
		httpPort = flag.Int("http-port", 8081, "HTTP server port")
		dbURL    = flag.String("db-url", getEnv("DATABASE_URL", ""), "Database connection string (empty = in-memory stores)")
		redis    = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "Redis address (empty = in-memory queues)")
		tokenKey = flag.String("token-key", getEnv("TOKEN_KEY", ""), "Task token sealing key")
		identity = flag.String("identity", getEnv("WORKER_IDENTITY", ""), "Worker identity for task claims")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	printBanner("Worker", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := engine.Config{
		DatabaseURL: *dbURL,
		RedisAddr:   *redis,
		TokenKey:    *tokenKey,
		Logger:      logger,
	}
	config.Worker.Identity = *identity

	eng, err := engine.New(ctx, config)
	if err != nil {
		logger.Error("failed to build worker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := eng.StartWorkers(ctx); err != nil {
		logger.Error("failed to start workers", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			if eng.Running() {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("Not Running"))
			}
		})

		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", *httpPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		logger.Info("starting HTTP server", slog.Int("port", *httpPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("worker stop failed", slog.String("error", err.Error()))
	}
}

func printBanner(service string, logger *slog.Logger) {
	logger.Info(fmt.Sprintf("OrbitFlow %s Service", service),
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
