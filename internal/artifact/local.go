package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"pipewarden/pkg/utils"
)

// LocalStore implements Store on the local filesystem. Artifacts are stored
// under {baseDir}/{runKey}/{key}.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a new LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) artifactPath(runKey, key string) string {
	return filepath.Join(s.baseDir, runKey, filepath.Base(key))
}

// Put stores an artifact, computing SHA256 as it writes.
func (s *LocalStore) Put(_ context.Context, runKey, key string, reader io.Reader) (Artifact, error) {
	path := s.artifactPath(runKey, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Artifact{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), reader)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, err
	}
	abs, _ := filepath.Abs(path)
	return Artifact{
		Key:       filepath.Base(key),
		URI:       "file://" + abs,
		Size:      size,
		CreatedAt: info.ModTime(),
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get opens a stored artifact.
func (s *LocalStore) Get(_ context.Context, runKey, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.artifactPath(runKey, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("artifact %q not found for run %q", key, runKey)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// List returns the artifacts of a run, sorted by key.
func (s *LocalStore) List(_ context.Context, runKey string) ([]Artifact, error) {
	dir := filepath.Join(s.baseDir, runKey)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, e.Name())
		sum, err := utils.HashFile(path)
		if err != nil {
			return nil, err
		}
		abs, _ := filepath.Abs(path)
		out = append(out, Artifact{
			Key:       e.Name(),
			URI:       "file://" + abs,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Checksum:  sum,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
