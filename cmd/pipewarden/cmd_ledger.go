package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipewarden/internal/config"
	"pipewarden/internal/ledger"
	"pipewarden/internal/security"
)

var (
	ledgerPath   string
	ledgerPubKey string
	ledgerRun    string
	keygenDir    string
	keygenForce  bool

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the signed run ledger",
	}
	ledgerInspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE:  inspectLedger,
	}
	ledgerVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check hashes, chain links and signatures of every entry",
		Args:  cobra.NoArgs,
		RunE:  verifyLedger,
	}
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key pair that signs ledger entries",
		Args:  cobra.NoArgs,
		RunE:  generateKeys,
	}
)

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "ledger file (default from config)")
	ledgerVerifyCmd.Flags().StringVar(&ledgerPubKey, "pubkey", "", "hex public key to pin (default: the key in ledger.key_dir, if any)")
	ledgerInspectCmd.Flags().StringVar(&ledgerRun, "run", "", "only entries of this run id")
	ledgerCmd.AddCommand(ledgerInspectCmd, ledgerVerifyCmd)

	keygenCmd.Flags().StringVar(&keygenDir, "dir", "", "output directory (default from config)")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing key pair")
}

func openLedger() (*ledger.Ledger, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, usageError(err)
	}
	path := ledgerPath
	if path == "" {
		path = cfg.Ledger.Path
	}
	l, err := ledger.Open(path, nil)
	if err != nil {
		return nil, nil, err
	}
	return l, cfg, nil
}

func inspectLedger(cmd *cobra.Command, _ []string) error {
	l, _, err := openLedger()
	if err != nil {
		return err
	}
	blocks := l.Blocks()
	if ledgerRun != "" {
		blocks = l.Run(ledgerRun)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKIND\tRUN\tPIPELINE\tBUILD\tSTAGE\tSTATUS\tDETAIL\tHASH")
	for _, b := range blocks {
		hash := b.Hash
		if len(hash) > 16 {
			hash = hash[:16]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.Index, b.Kind, b.RunID, b.Pipeline, b.BuildID, b.Stage, b.Status, b.Detail, hash)
	}
	return tw.Flush()
}

func verifyLedger(cmd *cobra.Command, _ []string) error {
	l, cfg, err := openLedger()
	if err != nil {
		return err
	}
	pin := ledgerPubKey
	if pin == "" {
		pub, err := security.LoadPublicKey(filepath.Join(cfg.Ledger.KeyDir, security.PublicKeyFile))
		switch {
		case err == nil:
			pin = hex.EncodeToString(pub)
		case !errors.Is(err, os.ErrNotExist):
			return err
		}
	}
	if err := l.VerifyChain(pin); err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ledger OK: %d entries verified\n", l.Len())
	return nil
}

func generateKeys(cmd *cobra.Command, _ []string) error {
	dir := keygenDir
	if dir == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return usageError(err)
		}
		dir = cfg.Ledger.KeyDir
	}
	privPath := filepath.Join(dir, security.PrivateKeyFile)
	pubPath := filepath.Join(dir, security.PublicKeyFile)
	if _, err := os.Stat(privPath); err == nil && !keygenForce {
		return usageError(fmt.Errorf("%s already exists, pass --force to replace it", privPath))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\npublic key %s\n", privPath, pubPath, hex.EncodeToString(pub))
	return nil
}
