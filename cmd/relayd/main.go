package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fitops/relay/internal/actions"
	"github.com/fitops/relay/internal/engine"
	"github.com/fitops/relay/internal/expressions"
	"github.com/fitops/relay/internal/logging"
	"github.com/fitops/relay/internal/panel"
	"github.com/fitops/relay/internal/scheduler"
	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/internal/trigger"
	"github.com/fitops/relay/internal/validation"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relayd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	gateway := actions.NewGateway(cfg.GatewayURL, duration(cfg.GatewayTimeout, 30*time.Second))

	registry := actions.NewRegistry()
	registry.MustRegister(actions.NewSendEmailHandler(gateway))
	registry.MustRegister(actions.NewSendSMSHandler(gateway))
	registry.MustRegister(actions.NewSendWhatsAppHandler(gateway))
	registry.MustRegister(actions.NewCreateAITaskHandler(gateway))
	registry.MustRegister(actions.NewWebhookHandler(duration(cfg.WebhookTimeout, 30*time.Second)))
	registry.MustRegister(actions.NewSendNotificationHandler(st))
	registry.MustRegister(actions.NewWriteRecordHandler(actions.NewGatewayRecordSink(gateway)))
	registry.MustRegister(actions.NewWaitHandler())
	registry.MustRegister(actions.NewTransformHandler(nil))
	logger.Info("action registry ready", "actions", registry.Names())

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return err
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return err
	}

	executor := engine.NewExecutor(st, registry, engines, engine.DefaultRetryPolicy(), logger)

	poolCfg := scheduler.PoolConfig{
		Size:         cfg.PoolSize,
		PollInterval: duration(cfg.PollInterval, time.Second),
		LeaseTTL:     duration(cfg.LeaseTTL, 30*time.Second),
	}
	executor.LeaseTTL = poolCfg.LeaseTTL

	pool := scheduler.NewPool(st, executor, poolCfg, logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	matcher := trigger.NewMatcher(st, logger)

	var cron *scheduler.CronScheduler
	if cfg.CronEnabled {
		cron = scheduler.NewCronScheduler(st, matcher, logger)
		if err := cron.Start(ctx); err != nil {
			return err
		}
		defer cron.Stop()
	}

	api := panel.NewServer(panel.Deps{
		Store:     st,
		Matcher:   matcher,
		Validator: validator,
		Metrics:   pool.Metrics(),
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relayd listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
