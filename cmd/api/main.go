// Command api serves the newsletter HTTP API. Unless WORKER_ENABLED=false it
// also runs a delivery worker in-process.
//
// @title                      Newsletter API
// @version                    1.0
// @description                Subscriptions, idempotent issue publishing and delivery queue administration.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
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
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-newsletter-backend/internal/bootstrap"
	"github.com/tbourn/go-newsletter-backend/internal/config"
	httpapi "github.com/tbourn/go-newsletter-backend/internal/http"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := sysutil.ConfigureLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, observability.ProcessAPI)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, v, observability.ProcessAPI)
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

	if cfg.Auth.AdminUsername != "" {
		auth := services.NewAuthService(db, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		created, err := auth.EnsureOperator(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
		if err != nil {
			return fmt.Errorf("seed operator: %w", err)
		}
		if created {
			logger.Info().Str("username", cfg.Auth.AdminUsername).Msg("operator account created")
		}
	}

	rdb, err := bootstrap.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	notifier := bootstrap.NewNotifier(cfg.Email, logger)

	sweeper := bootstrap.NewSweeper(db, cfg.Maintenance, logger.With().Str("component", "sweeper").Logger())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Deps{
		Notifier: notifier,
		Waker:    bootstrap.NewWaker(rdb, cfg.Redis.Channel),
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", v).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.Worker.Enabled {
		w, err := bootstrap.NewWorker(gctx, db, notifier, rdb, cfg, logger.With().Str("component", "delivery").Logger())
		if err != nil {
			cancel()
			_ = srv.Close()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("shutting down server...")
		case <-gctx.Done():
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		// Deadline for in-flight requests; workers stop on cancel.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		cancel()

		sweeper.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("systemd notify failed")
	} else if sent {
		logger.Debug().Msg("systemd notified ready")
	}

	err = g.Wait()
	logger.Info().Msg("server exited properly")
	return err
}
