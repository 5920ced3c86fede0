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

	"github.com/spf13/cobra"

	"github.com/ent0n29/minacoach/internal/config"
	"github.com/ent0n29/minacoach/internal/devbackend"
	"github.com/ent0n29/minacoach/internal/httpapi"
	"github.com/ent0n29/minacoach/internal/logging"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/store"
)

func main() {
	var (
		configFile string
		envFile    string
		tokenDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:           "minabackend",
		Short:         "Development backend for the Mina coaching client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadBackend(configFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return run(cmd.Context(), cfg, tokenDelay)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.Flags().DurationVar(&tokenDelay, "token-delay", 30*time.Millisecond, "pause between streamed chat tokens")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "minabackend:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Backend, tokenDelay time.Duration) error {
	logger, err := logging.New(logging.Config{App: "minabackend", Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Component("main")

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	stores, err := store.Open(ctx, store.Options{
		DatabaseURL:  cfg.DatabaseURL,
		RedisURL:     cfg.RedisURL,
		DefaultQuota: cfg.DefaultQuota,
	})
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer stores.Close()
	log.Info().Str("store_mode", stores.Kind).Int("default_quota", cfg.DefaultQuota).Msg("storage ready")

	registry := devbackend.NewRegistry(cfg.SessionInactivityTimeout, nil)
	svc := devbackend.New(devbackend.Options{
		Stores:         stores,
		Registry:       registry,
		Transcript:     cfg.MockTranscript,
		WordsPerMinute: cfg.MockVoiceWPM,
		Metrics:        metrics,
		Log:            logger.Logger,
	})

	api := httpapi.New(svc, metrics, httpapi.Options{
		TokenDelay: tokenDelay,
		Ready: func(ctx context.Context) error {
			_, err := stores.Quotas.Remaining(ctx, "readiness-probe")
			return err
		},
		Log: logger.Logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	registry.StartJanitor(runCtx, 5*time.Second)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
	return nil
}
