package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cheddar/seaport/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Write an Ed25519 key pair for signing updates",
	Long: `Write <name>.pem (PKCS#8 private key) and <name>.pub.pem (PKIX public
key) to the output directory and print the public key. Pass the private key
to the signing node and the public key to every node's authorized list.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var (
	keygenOut  string
	keygenName string
)

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenOut, "out", ".", "output directory")
	keygenCmd.Flags().StringVar(&keygenName, "name", "seaport", "file name prefix")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	priv, pub, err := auth.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(keygenOut, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", keygenOut, err)
	}

	privPath := filepath.Join(keygenOut, keygenName+".pem")
	pubPath := filepath.Join(keygenOut, keygenName+".pub.pem")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("refusing to overwrite %s", privPath)
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s and %s\n", privPath, pubPath)
	_, err = cmd.OutOrStdout().Write(pub)
	return err
}
