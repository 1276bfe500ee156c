package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewarden/internal/core"
)

func TestCollectorCountsStagesAndRuns(t *testing.T) {
	c := New()
	now := time.Now()

	c.StageFinished("demo", core.StageResult{Stage: "build", Status: core.StageSucceeded, StartedAt: now, FinishedAt: now.Add(time.Second)})
	c.StageFinished("demo", core.StageResult{Stage: "scan", Status: core.StageTimedOut, CleanupDegraded: true, StartedAt: now, FinishedAt: now})
	c.StageFinished("demo", core.StageResult{Stage: "deploy", Status: core.StageSkipped, SkipReason: core.SkipAborted})
	c.RunFinished(&core.PipelineOutcome{Pipeline: "demo", Status: core.RunFailed, FailureKind: core.FailureTimeout, StartedAt: now, FinishedAt: now.Add(time.Minute)})
	c.ApprovalResolved("demo", "approve", core.ApprovalExpired)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageResults.WithLabelValues("demo", "scan", "timed-out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupDegraded.WithLabelValues("demo", "scan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("demo", "failed", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvals.WithLabelValues("demo", "approve", "expired")))
	// Skipped stages are counted but not timed.
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.RunFinished(&core.PipelineOutcome{Pipeline: "demo", Status: core.RunSucceeded})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pipewarden_runs_total{"))
	assert.Contains(t, body, `status="succeeded"`)
}
