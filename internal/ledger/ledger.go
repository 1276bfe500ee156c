package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pipewarden/internal/core"
	"pipewarden/internal/security"
	"pipewarden/pkg/utils"
)

// Ledger is the append-only execution log. Each run is written once, when it
// finishes, as a hash-chained and signed sequence of blocks. The file format
// is JSON lines, one block per line.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
	signer *security.Signer
}

var _ core.Recorder = (*Ledger)(nil)

// Open loads an existing ledger file or creates an empty one. signer may be
// nil for read-only use.
func Open(path string, signer *security.Signer) (*Ledger, error) {
	l := &Ledger{path: path, signer: signer}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// RecordRun appends the stage results and the summary of a finished run.
// Either every block of the run is written or none is.
func (l *Ledger) RecordRun(out *core.PipelineOutcome) error {
	if l.signer == nil {
		return errors.New("ledger opened without a signing key")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	base := Block{RunID: out.RunID, Pipeline: out.Pipeline, Branch: out.Branch, BuildID: out.BuildID}
	pending := make([]*Block, 0, len(out.Stages)+1)
	prev, next := l.lastHash(), len(l.blocks)

	appendBlock := func(b Block) error {
		b.Index, b.PrevHash = next, prev
		blk, err := newBlock(b)
		if err != nil {
			return err
		}
		blk.Signature = l.signer.Sign([]byte(blk.Hash))
		blk.PubKey = l.signer.PublicKeyHex()
		pending = append(pending, blk)
		prev, next = blk.Hash, next+1
		return nil
	}

	for _, r := range out.Stages {
		b := base
		b.Kind = KindStage
		b.Stage = r.Stage
		b.Status = string(r.Status)
		b.Detail = string(r.SkipReason)
		if r.Kind != core.FailureNone {
			b.Detail = string(r.Kind)
		}
		b.StartedAt = formatTime(r.StartedAt)
		b.FinishedAt = formatTime(r.FinishedAt)
		b.Degraded = r.CleanupDegraded
		if len(r.Logs) > 0 {
			b.LogHash = utils.HashFiles(r.Logs)
		}
		if err := appendBlock(b); err != nil {
			return err
		}
	}
	summary := base
	summary.Kind = KindRun
	summary.Status = string(out.Status)
	summary.Detail = string(out.FailureKind)
	summary.StartedAt = formatTime(out.StartedAt)
	summary.FinishedAt = formatTime(out.FinishedAt)
	summary.Degraded = out.CleanupDegraded
	if out.ReportPath != "" {
		summary.LogHash, _ = utils.HashFile(out.ReportPath)
	}
	if err := appendBlock(summary); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, b := range pending {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encode ledger block: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	l.blocks = append(l.blocks, pending...)
	return nil
}

// Blocks returns a copy of every block, oldest first.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// Run returns the blocks recorded for one run.
func (l *Ledger) Run(runID string) []Block {
	var out []Block
	for _, b := range l.Blocks() {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

// Len is the number of blocks.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

func (l *Ledger) lastHash() string {
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}
