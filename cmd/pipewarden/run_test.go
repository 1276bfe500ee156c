package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewarden/internal/core"
)

func TestRunRequiresScanTarget(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pipewarden.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
run:
  log_dir: `+filepath.Join(dir, "logs")+`
ledger:
  path: `+filepath.Join(dir, "ledger.json")+`
  key_dir: `+filepath.Join(dir, "keys")+`
artifacts:
  fs:
    base_path: `+filepath.Join(dir, "artifacts")+`
container:
  enabled: false
`), 0o644))
	pipelinePath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(`
name: finance-dashboard
stages:
  - name: dynamic-scan
    steps:
      - run: zap-baseline.py -t ${scan_target_url}
`), 0o644))
	t.Setenv("PIPEWARDEN_DYNAMIC_SCAN__TARGET_URL", "")

	rootCmd.SetArgs([]string{"run", "--config", cfgPath, "-f", pipelinePath, "--build", "1"})
	err := rootCmd.Execute()

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ExitUsage, ee.code)
	assert.ErrorIs(t, err, core.ErrMissingInput)
}
