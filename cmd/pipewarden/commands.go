package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pipewarden/internal/bootstrap"
	"pipewarden/internal/config"
	"pipewarden/internal/core"
	"pipewarden/internal/server"
)

var (
	configPath string
	serverURL  string

	runFile         string
	runBranch       string
	runBuild        string
	runTimeout      string
	runVars         []string
	runApprovalAddr string

	rootCmd = &cobra.Command{
		Use:           "pipewarden",
		Short:         "Run CI/CD security pipelines with scoped credentials, approvals and a signed run ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline definition locally",
		Args:  cobra.NoArgs,
		RunE:  runPipeline,
	}
)

func init() {
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PIPEWARDEN_SERVER_URL", "http://localhost:8080"), "pipewarden server URL")

	runCmd.Flags().StringVarP(&runFile, "file", "f", "pipeline.yaml", "pipeline definition")
	runCmd.Flags().StringVar(&runBranch, "branch", os.Getenv("BRANCH_NAME"), "branch being built")
	runCmd.Flags().StringVar(&runBuild, "build", os.Getenv("BUILD_ID"), "build identifier (default: derived from the run id)")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "global timeout, overrides the pipeline and config")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "extra placeholder as name=value (repeatable)")
	runCmd.Flags().StringVar(&runApprovalAddr, "approval-addr", "", "listen address for approval decisions, e.g. :8085")

	rootCmd.AddCommand(runCmd, submitCmd, statusCmd, approveCmd, rejectCmd, ledgerCmd, keygenCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadRuntime(ctx context.Context) (*bootstrap.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, usageError(err)
	}
	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return nil, usageError(err)
	}
	return rt, nil
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, want name=value", p)
		}
		vars[name] = value
	}
	return vars, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := core.LoadPipeline(runFile)
	if err != nil {
		return usageError(err)
	}
	vars, err := parseVars(runVars)
	if err != nil {
		return usageError(err)
	}

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			rt.Logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	opts, err := rt.RunOptions(runBranch, runBuild, runTimeout)
	if err != nil {
		return usageError(err)
	}
	if len(vars) > 0 && opts.Vars == nil {
		opts.Vars = make(map[string]string, len(vars))
	}
	for k, v := range vars {
		opts.Vars[k] = v
	}
	if err := pipeline.CheckInputs(opts.Vars); err != nil {
		return usageError(err)
	}

	if runApprovalAddr != "" {
		closeListener, err := serveApprovals(runApprovalAddr, rt)
		if err != nil {
			return usageError(err)
		}
		defer closeListener()
	}

	out, fault := rt.Controller.Run(ctx, pipeline, opts)
	if out == nil {
		// Validation failed before the run started.
		return usageError(fault)
	}
	printOutcome(cmd.OutOrStdout(), out)
	code := exitCode(out, fault)
	if code == ExitSuccess {
		return nil
	}
	return &exitError{code: code, err: fault}
}

func serveApprovals(addr string, rt *bootstrap.Runtime) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("approval listener: %w", err)
	}
	srv := &http.Server{Handler: server.ApprovalHandler(rt.Broker), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("Approval listener stopped", "error", err)
		}
	}()
	rt.Logger.Info("Accepting approval decisions", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printOutcome(w io.Writer, out *core.PipelineOutcome) {
	fmt.Fprintf(w, "Pipeline %s #%s (%s): %s", out.Pipeline, out.BuildID, out.RunID, out.Status)
	if out.FailedStage != "" {
		fmt.Fprintf(w, " [%s in %s]", out.FailureKind, out.FailedStage)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tDETAIL")
	for _, r := range out.Stages {
		detail := string(r.SkipReason)
		if r.Reason != "" {
			detail = r.Reason
		}
		if r.CleanupDegraded {
			detail = strings.TrimSpace(detail + " (cleanup degraded)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Stage, r.Status, r.Duration().Round(time.Millisecond), detail)
	}
	_ = tw.Flush()

	for _, a := range out.Artifacts {
		fmt.Fprintf(w, "artifact %s %s\n", a.Name, a.URI)
	}
	if out.ReportPath != "" {
		fmt.Fprintf(w, "report %s\n", out.ReportPath)
	}
}
