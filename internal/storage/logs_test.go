package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewarden/internal/core"
)

func TestSaveLogLayout(t *testing.T) {
	ls := NewLogStorage(t.TempDir())

	path, err := ls.SaveLog("finance-dashboard-17", "dependency scan", "01_safety", "no vulnerabilities")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ls.BaseDir, "finance-dashboard-17", "dependencyscan", "01_safety.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "no vulnerabilities", string(data))

	_, err = ls.SaveLog("finance-dashboard-17", "build", "01_compile", "ok")
	require.NoError(t, err)
	logs, err := ls.ListLogs("finance-dashboard-17")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestSaveLogRejectsTraversal(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	path, err := ls.SaveLog("../../etc", "..", "passwd", "x")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, ls.BaseDir+string(filepath.Separator)), path)
	assert.Equal(t, "step", filepath.Base(filepath.Dir(path)))
}

func TestReportRoundTrip(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	out := &core.PipelineOutcome{
		RunID: "r1", Pipeline: "demo", BuildID: "3", Status: core.RunSucceeded,
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		Stages: []core.StageResult{{Stage: "build", Status: core.StageSucceeded}},
	}
	path, err := ls.WriteReport("demo-3", out)
	require.NoError(t, err)
	assert.Equal(t, path, out.ReportPath)

	got, err := ls.ReadReport("demo-3")
	require.NoError(t, err)
	assert.Equal(t, out.RunID, got.RunID)
	assert.Equal(t, out.Statuses(), got.Statuses())
	assert.Equal(t, path, got.ReportPath)

	_, err = ls.ReadReport("missing")
	assert.Error(t, err)
}
