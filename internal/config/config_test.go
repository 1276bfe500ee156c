package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipewarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Server.ApprovalTimeout)
	assert.Equal(t, time.Hour, cfg.Run.GlobalTimeout)
	assert.Equal(t, 10*time.Second, cfg.Run.GracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.Run.PostActionTimeout)
	assert.Equal(t, "fs", cfg.Artifacts.Backend)
	assert.Equal(t, "env", cfg.Credentials.Default)
	assert.True(t, cfg.Container.Enabled)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
run:
  grace_period: 30s
artifacts:
  backend: s3
  s3:
    bucket: ci-artifacts
    endpoint: http://minio:9000
dynamic_scan:
  target_url: http://staging:8000
notify:
  webhook_url: https://hooks.example.com/T000
  channel: "#security"
`)
	t.Setenv("PIPEWARDEN_SERVER__PORT", "9100")
	t.Setenv("PIPEWARDEN_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Run.GracePeriod)
	assert.Equal(t, "ci-artifacts", cfg.Artifacts.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.Artifacts.S3.Region)
	assert.Equal(t, "http://staging:8000", cfg.DynamicScan.TargetURL)
	assert.Equal(t, "#security", cfg.Notify.Channel)
	assert.Equal(t, "pipewarden", cfg.Notify.Username)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend", "artifacts:\n  backend: gcs\n", "artifacts.backend"},
		{"s3 without bucket", "artifacts:\n  backend: s3\n", "bucket is required"},
		{"vault without address", "credentials:\n  default: vault\n", "vault.address"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"negative timeout", "run:\n  grace_period: -1s\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
