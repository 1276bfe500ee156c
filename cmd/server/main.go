package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pipewarden/internal/bootstrap"
	"pipewarden/internal/config"
	"pipewarden/internal/server"
)

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var vars map[string]string
	if cfg.DynamicScan.TargetURL != "" {
		vars = map[string]string{"scan_target_url": cfg.DynamicScan.TargetURL}
	}
	srv := server.New(server.Options{
		Controller:    rt.Controller,
		Broker:        rt.Broker,
		Ledger:        rt.Ledger,
		PublicKey:     rt.PublicKey,
		Metrics:       rt.Metrics.Handler(),
		Vars:          vars,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", "port", cfg.Server.Port, "max_concurrent", cfg.Server.MaxConcurrent)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Run.GracePeriod+30*time.Second)
		defer cancel()

		errs := []error{
			httpServer.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
			rt.Close(shutdownCtx),
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
