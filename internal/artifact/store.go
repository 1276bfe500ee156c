// Package artifact persists files produced by pipeline runs to a local
// directory or an S3-compatible bucket.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pipewarden/internal/core"
)

// Store defines the interface for artifact storage backends. Artifacts are
// scoped by run key and identified by key.
type Store interface {
	// Put stores the reader's content under key, computing its SHA256.
	Put(ctx context.Context, runKey, key string, reader io.Reader) (Artifact, error)
	// Get retrieves an artifact. The caller closes the returned ReadCloser.
	Get(ctx context.Context, runKey, key string) (io.ReadCloser, error)
	// List returns all artifacts of a run, sorted by key.
	List(ctx context.Context, runKey string) ([]Artifact, error)
}

// Artifact represents metadata about a stored artifact.
type Artifact struct {
	Key       string    `json:"key"`
	URI       string    `json:"uri"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"` // SHA256 hex digest
}

// Archiver adapts a Store to the pipeline's archive operation.
type Archiver struct {
	Store  Store
	Logger *slog.Logger
}

var _ core.Archiver = (*Archiver)(nil)

func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{Store: store, Logger: logger}
}

// Archive uploads each path under its base name. Repeated base names within
// one call get a numeric suffix. With fingerprint set, each reference
// carries the content digest.
func (a *Archiver) Archive(ctx context.Context, runKey string, paths []string, fingerprint bool) ([]core.ArtifactRef, error) {
	refs := make([]core.ArtifactRef, 0, len(paths))
	used := map[string]int{}
	for _, p := range paths {
		key := filepath.Base(p)
		if n := used[key]; n > 0 {
			ext := filepath.Ext(key)
			key = fmt.Sprintf("%s-%d%s", key[:len(key)-len(ext)], n, ext)
		}
		used[filepath.Base(p)]++

		art, err := a.put(ctx, runKey, key, p)
		if err != nil {
			return refs, fmt.Errorf("archive %s: %w", p, err)
		}
		ref := core.ArtifactRef{Name: art.Key, URI: art.URI, Size: art.Size}
		if fingerprint {
			ref.SHA256 = art.Checksum
		}
		a.Logger.Debug("Artifact stored", "run", runKey, "key", art.Key, "uri", art.URI, "size", art.Size)
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *Archiver) put(ctx context.Context, runKey, key, path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()
	return a.Store.Put(ctx, runKey, key, f)
}
