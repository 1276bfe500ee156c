package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"pipewarden/pkg/utils"
)

// Block kinds. A run is recorded as one stage block per stage followed by a
// single run block.
const (
	KindStage = "stage"
	KindRun   = "run"
)

// Block is a tamper-evident record of one stage result or one run summary.
type Block struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	RunID      string `json:"runId"`
	Pipeline   string `json:"pipeline"`
	Branch     string `json:"branch,omitempty"`
	BuildID    string `json:"buildId"`
	Stage      string `json:"stage,omitempty"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"` // skip reason or failure kind
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	Degraded   bool   `json:"cleanupDegraded,omitempty"`
	LogHash    string `json:"logHash,omitempty"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	Signature  string `json:"signature"`
	PubKey     string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// It excludes Hash, Signature and PubKey.
func (b *Block) canonicalData() ([]byte, error) {
	view := *b
	view.Hash, view.Signature, view.PubKey = "", "", ""
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

func newBlock(b Block) (*Block, error) {
	b.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	h, err := b.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	b.Hash = h
	return &b, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
