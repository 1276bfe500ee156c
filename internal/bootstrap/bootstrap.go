// Package bootstrap assembles a core.Controller and its collaborators from
// configuration. The CLI and the server both start here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"pipewarden/internal/agent"
	"pipewarden/internal/artifact"
	"pipewarden/internal/config"
	"pipewarden/internal/container"
	"pipewarden/internal/core"
	"pipewarden/internal/credentials"
	"pipewarden/internal/ledger"
	"pipewarden/internal/metrics"
	"pipewarden/internal/notify"
	"pipewarden/internal/security"
	"pipewarden/internal/storage"
	"pipewarden/internal/telemetry"
)

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Runtime is everything a process needs to run pipelines.
type Runtime struct {
	Controller *core.Controller
	Broker     *core.ApprovalBroker
	Ledger     *ledger.Ledger
	Logs       *storage.LogStorage
	Metrics    *metrics.Collector
	Config     *config.Config
	Logger     *slog.Logger
	// PublicKey is the hex ledger signing key, pinned on verification.
	PublicKey string

	closers []func(context.Context) error
}

// Close releases clients and flushes telemetry.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// New wires a Runtime from cfg. Optional backends that fail to initialize
// are logged and left out; a stage that needs them then fails at acquire.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Broker:  core.NewApprovalBroker(),
		Logs:    storage.NewLogStorage(cfg.Run.LogDir),
		Metrics: metrics.New(),
		Config:  cfg,
		Logger:  logger,
	}

	signer, err := security.LoadOrCreateSigner(cfg.Ledger.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("ledger key: %w", err)
	}
	rt.PublicKey = signer.PublicKeyHex()
	rt.Ledger, err = ledger.Open(cfg.Ledger.Path, signer)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	creds, err := newCredentialStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctrl := &core.Controller{
		Credentials:       creds,
		Archiver:          artifact.NewArchiver(store, logger),
		Approvals:         rt.Broker,
		Logs:              rt.Logs,
		Reports:           rt.Logs,
		Recorder:          rt.Ledger,
		Observer:          rt.Metrics,
		Logger:            logger,
		GracePeriod:       cfg.Run.GracePeriod,
		PostActionTimeout: cfg.Run.PostActionTimeout,
		GlobalTimeout:     cfg.Run.GlobalTimeout,
		ApprovalTimeout:   cfg.Server.ApprovalTimeout,
		WorkspaceDir:      cfg.Run.WorkspaceDir,
	}

	if cfg.Agent.URL != "" {
		ctrl.Runner = agent.NewClient(cfg.Agent.URL, cfg.Agent.Token)
		logger.Info("Remote agent configured", "url", cfg.Agent.URL)
	} else {
		ctrl.Runner = core.NewExecutor(cfg.Run.GracePeriod)
	}

	if cfg.Container.Enabled {
		d, err := container.NewDocker(container.Options{
			Platform:    cfg.Container.Platform,
			NetworkMode: cfg.Container.NetworkMode,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("Container runtime unavailable", "error", err)
		} else {
			ctrl.Containers = d
			rt.closers = append(rt.closers, func(context.Context) error { return d.Close() })
		}
	}

	notifiers := notify.Fanout{notify.Log{Logger: logger}}
	if cfg.Notify.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify, logger))
	}
	ctrl.Notifier = notifiers

	if cfg.Telemetry.Enabled {
		w := io.Writer(os.Stderr)
		if cfg.Telemetry.Output != "" {
			f, err := os.OpenFile(cfg.Telemetry.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("telemetry output: %w", err)
			}
			w = f
			rt.closers = append(rt.closers, func(context.Context) error { return f.Close() })
		}
		shutdown, err := telemetry.InitTracer("pipewarden", w, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
		ctrl.Tracer = telemetry.Tracer()
	}

	rt.Controller = ctrl
	return rt, nil
}

func newCredentialStore(cfg *config.Config, logger *slog.Logger) (*credentials.Store, error) {
	store := credentials.NewStore(cfg.Credentials.Default)
	store.Register("env", credentials.NewEnvProvider(cfg.Credentials.EnvPrefix))
	store.Register("file", credentials.NewFileProvider(cfg.Credentials.FileDir))
	if cfg.Vault.Address != "" {
		v, err := credentials.NewVaultProvider(cfg.Vault)
		if err != nil {
			if cfg.Credentials.Default == "vault" {
				return nil, err
			}
			logger.Warn("Vault unavailable", "error", err)
		} else {
			store.Register("vault", v)
		}
	}
	return store, nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	if cfg.Artifacts.Backend == "s3" {
		s, err := artifact.NewS3Store(ctx, cfg.Artifacts.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return artifact.NewLocalStore(cfg.Artifacts.FS.BasePath), nil
}

// RunOptions fills in options that come from configuration rather than the
// command line.
func (r *Runtime) RunOptions(branch, build, timeout string) (core.RunOptions, error) {
	opts := core.RunOptions{Branch: branch, BuildID: build}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return opts, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		opts.Timeout = d
	}
	if r.Config.DynamicScan.TargetURL != "" {
		opts.Vars = map[string]string{"scan_target_url": r.Config.DynamicScan.TargetURL}
	}
	return opts, nil
}
