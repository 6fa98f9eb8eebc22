// Command worker runs the delivery worker and the idempotency sweeper
// without the HTTP API. Run any number of them against the same database;
// the queue claim keeps them from sending the same task twice at once.
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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-newsletter-backend/internal/bootstrap"
	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := sysutil.ConfigureLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, observability.ProcessWorker)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, v, observability.ProcessWorker)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdownTracing(sctx)
	}()

	db, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer bootstrap.CloseStore(db)

	rdb, err := bootstrap.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	w, err := bootstrap.NewWorker(ctx, db, bootstrap.NewNotifier(cfg.Email, logger), rdb, cfg,
		logger.With().Str("component", "delivery").Logger())
	if err != nil {
		return err
	}
	sweeper := bootstrap.NewSweeper(db, cfg.Maintenance, logger.With().Str("component", "sweeper").Logger())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	// Metrics only; the worker serves no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + cfg.Worker.MetricsPort, Handler: mux, ReadHeaderTimeout: cfg.ReadHeaderTimeout}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down worker...")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweeper.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	logger.Info().Str("metrics_addr", srv.Addr).Str("version", v).Msg("worker started")

	err = g.Wait()
	logger.Info().Msg("worker exited properly")
	return err
}
