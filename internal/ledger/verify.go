package ledger

import (
	"fmt"

	"pipewarden/internal/security"
)

// VerifyChain recomputes every block hash, link and signature to detect
// tampering. pubKeyHex, when set, pins the expected signing key.
func (l *Ledger) VerifyChain(pubKeyHex string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}
		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}
		if i > 0 && b.PrevHash != l.blocks[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}
		if i == 0 && b.PrevHash != "" {
			return fmt.Errorf("first block has prev hash %q", b.PrevHash)
		}
		if pubKeyHex != "" && b.PubKey != pubKeyHex {
			return fmt.Errorf("unexpected signing key at index %d", b.Index)
		}
		ok, err := security.VerifySignatureFromHex(b.PubKey, []byte(b.Hash), b.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", b.Index, err)
		}
		if !ok {
			return fmt.Errorf("invalid signature at index %d", b.Index)
		}
	}
	return nil
}
