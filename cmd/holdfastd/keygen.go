package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/holdfast-sh/holdfast/internal/config"
)

// keygen prepares the host key ahead of first start and optionally sets
// the shared password secret without leaving it in shell history.
func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var withSecret bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the host key and optional password secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			if _, err := os.Stat(cfg.HostKey); err == nil {
				return fmt.Errorf("host key already exists at %s", cfg.HostKey)
			}
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			block, err := ssh.MarshalPrivateKey(priv, "")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.HostKey), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.HostKey, pem.EncodeToMemory(block), 0o600); err != nil {
				return err
			}
			pub, err := ssh.NewSignerFromKey(priv)
			if err != nil {
				return err
			}
			fmt.Println("host key written to", cfg.HostKey)
			fmt.Printf("fingerprint: %s\n", ssh.FingerprintSHA256(pub.PublicKey()))

			if !withSecret {
				return nil
			}
			fmt.Print("password secret: ")
			secret, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return err
			}
			if len(secret) == 0 {
				return fmt.Errorf("empty secret")
			}
			secretPath := filepath.Join(config.DefaultHomeDir(), "secret")
			if err := os.WriteFile(secretPath, secret, 0o600); err != nil {
				return err
			}
			fmt.Println("secret written to", secretPath)
			fmt.Println("set passwordSecret in the config to enable password auth")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSecret, "with-secret", false, "prompt for a shared password secret")
	return cmd
}
