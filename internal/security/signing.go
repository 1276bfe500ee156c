package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PrivateKeyFile = "ledger.key"
	PublicKeyFile  = "ledger.pub"
)

// GenerateKeyPair creates a new ed25519 key pair (public+private).
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair saves the keys as hex files.
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubPath, privPath string) error {
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600)
}

// LoadPrivateKey loads an ed25519 private key from a hex-encoded file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	b, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(b), nil
}

// LoadPublicKey loads an ed25519 public key from a hex-encoded file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(b), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

// SignData signs data with priv and returns the hex signature.
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature verifies a hex signature of data.
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex verifies when the public key is hex encoded.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pub), data, sigHex)
}

// Signer signs ledger entries with one key pair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string { return SignData(s.priv, data) }

// PublicKeyHex is the hex form of the verifying key.
func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// LoadOrCreateSigner loads the key pair from dir, generating and saving one
// if none exists yet.
func LoadOrCreateSigner(dir string) (*Signer, error) {
	privPath := filepath.Join(dir, PrivateKeyFile)
	priv, err := LoadPrivateKey(privPath)
	if err == nil {
		return NewSigner(priv), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", privPath, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(pub, priv, filepath.Join(dir, PublicKeyFile), privPath); err != nil {
		return nil, fmt.Errorf("save key pair: %w", err)
	}
	return NewSigner(priv), nil
}
