package container

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewarden/internal/core"
)

// fakeEngine records calls made through dockerAPI.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	images    map[string]bool
	created   *container.Config
	host      *container.HostConfig
	platform  *ocispec.Platform
	removed   bool
	stopGrace int
	exitCode  int
	stdout    string
	archive   []byte
	removeErr error
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.record("pull")
	f.images[ref] = true
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, platform *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.record("create")
	if !f.images[cfg.Image] {
		return container.CreateResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	f.created, f.host, f.platform = cfg, hc, platform
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	f.record("start")
	return nil
}

func (f *fakeEngine) ContainerExecCreate(context.Context, string, container.ExecOptions) (container.ExecCreateResponse, error) {
	f.record("exec-create")
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeEngine) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.record("exec-attach")
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(f.stdout))
	e := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	_, _ = e.Write([]byte("warn"))
	client, server := net.Pipe()
	server.Close()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeEngine) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.exitCode}, nil
}

func (f *fakeEngine) CopyFromContainer(_ context.Context, _ string, src string) (io.ReadCloser, container.PathStat, error) {
	f.record("copy")
	if f.archive == nil {
		return nil, container.PathStat{}, errdefs.NotFound(errors.New("no such file: " + src))
	}
	return io.NopCloser(bytes.NewReader(f.archive)), container.PathStat{}, nil
}

func (f *fakeEngine) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.record("stop")
	f.stopGrace = *opts.Timeout
	return nil
}

func (f *fakeEngine) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.record("remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = true
	return nil
}

func (f *fakeEngine) Close() error { return nil }

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestStartPullsMissingImage(t *testing.T) {
	eng := &fakeEngine{images: map[string]bool{}}
	d := newDocker(eng, Options{Platform: "linux/arm64/v8", NetworkMode: "host"})

	id, err := d.Start(context.Background(), core.ContainerSpec{
		Name:  "pw-demo-zap",
		Image: "owasp/zap2docker-stable",
		Ports: []string{"8090:8090"},
		Env:   map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", id)
	assert.Equal(t, []string{"create", "pull", "create", "start"}, eng.calls)
	assert.Equal(t, []string{"A=1", "B=2"}, eng.created.Env)
	assert.Equal(t, "true", eng.created.Labels["pipewarden.managed"])
	assert.Len(t, eng.host.PortBindings, 1)
	assert.Equal(t, container.NetworkMode("host"), eng.host.NetworkMode)
	assert.Equal(t, &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, eng.platform)
}

func TestStartRejectsBadInput(t *testing.T) {
	d := newDocker(&fakeEngine{images: map[string]bool{}}, Options{})
	_, err := d.Start(context.Background(), core.ContainerSpec{Image: "x", Ports: []string{"abc"}})
	assert.Error(t, err)

	d = newDocker(&fakeEngine{images: map[string]bool{"x": true}}, Options{Platform: "linux"})
	_, err = d.Start(context.Background(), core.ContainerSpec{Image: "x"})
	assert.ErrorContains(t, err, "invalid platform")
}

func TestExecDemultiplexesOutput(t *testing.T) {
	eng := &fakeEngine{images: map[string]bool{}, exitCode: 2, stdout: "2 alerts"}
	d := newDocker(eng, Options{})

	res, err := d.Exec(context.Background(), "c1", []string{"sh", "-c", "zap-baseline.py"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "2 alerts", res.Stdout)
	assert.Equal(t, "warn", res.Stderr)
}

func TestCopyFromExtractsFiles(t *testing.T) {
	eng := &fakeEngine{images: map[string]bool{}, archive: tarOf(t, map[string]string{
		"wrk/report.html": "<html/>",
		"wrk/report.json": "{}",
	})}
	d := newDocker(eng, Options{})
	dest := t.TempDir()

	files, err := d.CopyFrom(context.Background(), "c1", "/zap/wrk", dest)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	data, err := os.ReadFile(filepath.Join(dest, "wrk", "report.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(data))

	eng.archive = nil
	_, err = d.CopyFrom(context.Background(), "c1", "/zap/missing", dest)
	assert.Error(t, err)
}

func TestExtractTarStaysInDestination(t *testing.T) {
	dest := t.TempDir()
	files, err := extractTar(bytes.NewReader(tarOf(t, map[string]string{"../../escape.txt": "x"})), dest)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dest, "escape.txt"), files[0])
}

func TestStopAndRemove(t *testing.T) {
	eng := &fakeEngine{images: map[string]bool{}}
	d := newDocker(eng, Options{})

	require.NoError(t, d.Stop(context.Background(), "c1", 10*time.Second))
	assert.Equal(t, 10, eng.stopGrace)
	require.NoError(t, d.Remove(context.Background(), "c1"))
	assert.True(t, eng.removed)

	// Already gone counts as removed.
	eng.removeErr = errdefs.NotFound(errors.New("no such container"))
	assert.NoError(t, d.Remove(context.Background(), "c1"))

	eng.removeErr = errors.New("device busy")
	assert.ErrorContains(t, d.Remove(context.Background(), "c1"), "device busy")
}

func TestWaitReady(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := newDocker(&fakeEngine{}, Options{ProbeInterval: 5 * time.Millisecond})
	require.NoError(t, d.WaitReady(context.Background(), "c1", srv.URL))
	assert.Equal(t, 3, hits)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := d.WaitReady(ctx, "c1", "http://127.0.0.1:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
