// Package agent runs pipeline commands on a remote host. The Handler side
// wraps a local executor behind HTTP; the Client side implements
// core.ProcessRunner against it.
package agent

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pipewarden/internal/core"
)

// RunPath is the agent endpoint that executes one command.
const RunPath = "/run"

type runResponse struct {
	Result *core.ProcessResult `json:"result,omitempty"`
	// Error is set when the command could not run to completion.
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Handler serves RunPath on top of a ProcessRunner.
type Handler struct {
	runner core.ProcessRunner
	token  string
	logger *slog.Logger
}

func NewHandler(runner core.ProcessRunner, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, token: token, logger: logger}
}

// Routes returns the agent router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(h.authenticate).Post(RunPath, h.handleRun)
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var cmd core.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.Script == "" {
		http.Error(w, "script is required", http.StatusBadRequest)
		return
	}

	// Env values may hold secrets; only the names are logged.
	h.logger.Info("Agent running command", "dir", cmd.Dir, "env", envNames(cmd.Env))

	res, err := h.runner.Execute(r.Context(), cmd)
	resp := runResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
		resp.Cancelled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func envNames(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	return names
}

// Client sends commands to a remote agent.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ core.ProcessRunner = (*Client)(nil)

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// SetClient sets a custom HTTP client.
func (c *Client) SetClient(hc *http.Client) { c.client = hc }

// Execute runs cmd on the agent. Cancelling ctx drops the request, which
// cancels the command on the agent side.
func (c *Client) Execute(ctx context.Context, cmd core.Command) (*core.ProcessResult, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RunPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &core.ProcessResult{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
		}
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if out.Error != "" {
		if out.Cancelled && ctx.Err() != nil {
			return out.Result, ctx.Err()
		}
		return out.Result, fmt.Errorf("agent: %s", out.Error)
	}
	if out.Result == nil {
		return nil, errors.New("agent response has no result")
	}
	return out.Result, nil
}
