package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"pipewarden/internal/core"
)

// LogStorage saves captured action output and run reports under BaseDir:
//
//	<base>/<run-key>/<stage>/<seq>_<action>.log
//	<base>/<run-key>/report.json
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

var (
	_ core.LogSink      = (*LogStorage)(nil)
	_ core.ReportWriter = (*LogStorage)(nil)
)

// SaveLog saves the output of one action and returns the file path.
func (ls *LogStorage) SaveLog(runKey, stage, action, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runKey), sanitize(stage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sanitize(action)+".log")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// WriteReport writes the final outcome of a run as indented JSON.
func (ls *LogStorage) WriteReport(runKey string, outcome *core.PipelineOutcome) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.json")
	outcome.ReportPath = path
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport.
func (ls *LogStorage) ReadReport(runKey string) (*core.PipelineOutcome, error) {
	data, err := os.ReadFile(filepath.Join(ls.BaseDir, sanitize(runKey), "report.json"))
	if err != nil {
		return nil, err
	}
	var out core.PipelineOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &out, nil
}

// ListLogs returns the log files of a run, grouped by stage directory.
func (ls *LogStorage) ListLogs(runKey string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(ls.BaseDir, sanitize(runKey), "*", "*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// sanitize removes special characters from names used in paths.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 || string(clean) == "." || string(clean) == ".." {
		return "step"
	}
	return string(clean)
}
