// Package container runs ephemeral tool containers (scanners) through the
// Docker Engine API.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"pipewarden/internal/core"
)

// dockerAPI is the subset of the Docker client used here, so tests can
// substitute a fake engine.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Options configures the Docker runtime.
type Options struct {
	// Platform such as "linux/amd64"; empty lets the engine choose.
	Platform string
	// ProbeInterval is how often WaitReady polls the readiness URL.
	ProbeInterval time.Duration
	// NetworkMode, e.g. "host". Empty uses the engine default.
	NetworkMode string
	Logger      *slog.Logger
}

// Docker implements core.ContainerRuntime on the Docker Engine.
type Docker struct {
	api    dockerAPI
	opts   Options
	probe  *http.Client
	logger *slog.Logger
}

var _ core.ContainerRuntime = (*Docker)(nil)

// NewDocker connects to the engine configured by DOCKER_HOST and friends.
func NewDocker(opts Options) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: failed to create Docker client: %w", err)
	}
	return newDocker(cli, opts), nil
}

func newDocker(api dockerAPI, opts Options) *Docker {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		api:    api,
		opts:   opts,
		probe:  &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Close releases the Docker client.
func (d *Docker) Close() error { return d.api.Close() }

// Start creates and starts a container, pulling the image if the engine
// does not have it.
func (d *Docker) Start(ctx context.Context, spec core.ContainerSpec) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("container: invalid ports %v: %w", spec.Ports, err)
	}
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Labels:       map[string]string{"pipewarden.managed": "true"},
	}
	hc := &container.HostConfig{PortBindings: bindings}
	if d.opts.NetworkMode != "" {
		hc.NetworkMode = container.NetworkMode(d.opts.NetworkMode)
	}
	platform, err := parsePlatform(d.opts.Platform)
	if err != nil {
		return "", err
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hc, nil, platform, spec.Name)
	if errdefs.IsNotFound(err) {
		if err := d.pull(ctx, spec.Image); err != nil {
			return "", fmt.Errorf("container: failed to pull image %s: %w", spec.Image, err)
		}
		resp, err = d.api.ContainerCreate(ctx, cfg, hc, nil, platform, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("container: failed to create container: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = d.api.ContainerRemove(rctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container: failed to start container: %w", err)
	}
	d.logger.Debug("Container created", "id", shortID(resp.ID), "name", spec.Name, "image", spec.Image)
	return resp.ID, nil
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	d.logger.Info("Pulling image", "image", ref)
	reader, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Consume the pull output to completion.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// WaitReady polls url until it answers with any non-5xx status or ctx ends.
func (d *Docker) WaitReady(ctx context.Context, id, url string) error {
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.probe.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				d.logger.Debug("Container ready", "id", shortID(id), "url", url, "status", resp.StatusCode)
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Exec runs cmd inside the container and returns its exit status. A nonzero
// exit is not an error.
func (d *Docker) Exec(ctx context.Context, id string, cmd []string, env map[string]string) (*core.ProcessResult, error) {
	start := time.Now()
	created, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          envList(env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container: exec create: %w", err)
	}
	attach, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("container: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("container: exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return &core.ProcessResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}, ctx.Err()
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("container: exec inspect: %w", err)
	}
	return &core.ProcessResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// CopyFrom extracts srcPath (a file or directory) from the container into
// destDir and returns the files written.
func (d *Docker) CopyFrom(ctx context.Context, id, srcPath, destDir string) ([]string, error) {
	reader, _, err := d.api.CopyFromContainer(ctx, id, srcPath)
	if err != nil {
		return nil, fmt.Errorf("container: copy %s: %w", srcPath, err)
	}
	defer reader.Close()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	return extractTar(reader, destDir)
}

// Stop stops the container, giving it grace to exit before it is killed.
func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container: stop %s: %w", shortID(id), err)
	}
	return nil
}

// Remove force-removes the container. A container that is already gone
// counts as removed.
func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container: remove %s: %w", shortID(id), err)
	}
	return nil
}

// extractTar writes the regular files of a tar stream into destDir, keeping
// their paths relative to the archive root.
func extractTar(r io.Reader, destDir string) ([]string, error) {
	tr := tar.NewReader(r)
	var written []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("container: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := path.Clean("/" + hdr.Name)
		target := filepath.Join(destDir, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return written, fmt.Errorf("container: archive entry %q escapes destination", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return written, err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return written, err
		}
		if err := f.Close(); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("container: invalid platform %q", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
