// Command server is the storyq story scheduler process.
// It loads configuration, initialises node identity, and serves the HTTP,
// WebSocket and metrics endpoints until SIGINT or SIGTERM.
//
// Usage:
//
//	server [--config path/to/config.yaml] [--env .env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/consumer"
	"github.com/snehjoshi/storyq/internal/metrics"
	"github.com/snehjoshi/storyq/internal/node"
	transphttp "github.com/snehjoshi/storyq/internal/transport/http"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "storyq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before config")
	flag.Parse()

	// ── 1. Environment + configuration ──────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Structured logger ────────────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Node identity ────────────────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger.Info("storyq starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"history", cfg.History.Enabled,
	)

	// ── 4. Metrics + broker ─────────────────────────────────────────────────
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}
	bopts := []broker.Option{broker.WithLogger(logger)}
	if reg != nil {
		bopts = append(bopts, broker.WithMetrics(reg))
	}
	b, err := broker.New(cfg, string(n.ID()), bopts...)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 5. Webhook consumer ─────────────────────────────────────────────────
	cm := consumer.NewManager(b,
		consumer.WithPollInterval(time.Duration(cfg.Webhook.PollIntervalMs)*time.Millisecond),
		consumer.WithTimeout(time.Duration(cfg.Webhook.TimeoutMs)*time.Millisecond),
		consumer.WithMaxPerUser(cfg.Webhook.MaxPerUser),
		consumer.WithLogger(logger),
	)

	// ── 6. Transports ───────────────────────────────────────────────────────
	srv := transphttp.New(b, cm, cfg, reg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	var metricsSrv *http.Server
	if reg != nil && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Node.Port {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           reg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// ── 7. Serve until a signal or a listener fails ─────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("storyq ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "cause", context.Cause(gctx))

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		cm.Close()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				logger.Warn("metrics shutdown error", "error", err)
			}
		}
		return nil
	})

	runErr := g.Wait()
	if err := b.Close(); err != nil {
		logger.Warn("broker close error", "error", err)
	}
	logger.Info("storyq stopped", "uptime", n.Uptime().Round(time.Second))
	return runErr
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Level))
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
