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

	"pipewarden/internal/agent"
	"pipewarden/internal/bootstrap"
	"pipewarden/internal/config"
	"pipewarden/internal/core"
)

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		slog.Error("Agent exited", "error", err)
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

	h := agent.NewHandler(core.NewExecutor(cfg.Run.GracePeriod), cfg.Agent.Token, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Agent.Port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Agent.Token == "" {
		logger.Warn("Agent is running without a token; any client can execute commands")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Agent listening", "port", cfg.Agent.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Run.GracePeriod+5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
