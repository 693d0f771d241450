package sshd

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Blank lines
// and comments are skipped by the parser itself.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []ssh.PublicKey
	for len(raw) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse authorized key: %w", err)
		}
		keys = append(keys, key)
		raw = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys in %s", path)
	}
	return keys, nil
}

// ErrAuthRejected marks a credential mismatch. Not fatal to the
// connection; the transport re-offers the supported methods.
var ErrAuthRejected = errors.New("authentication rejected")

// newServerConfig builds the transport authentication policy: a presented
// public key must match an authorized key byte for byte, and a password
// must match the single shared secret. Rejected attempts re-offer both
// methods; the transport library enforces its own attempt ceiling.
func newServerConfig(authorized []ssh.PublicKey, secret string) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			presented := key.Marshal()
			for _, candidate := range authorized {
				if bytes.Equal(presented, candidate.Marshal()) {
					return &ssh.Permissions{
						Extensions: map[string]string{"auth-method": "publickey"},
					}, nil
				}
			}
			return nil, fmt.Errorf("%w: unknown public key for %q", ErrAuthRejected, meta.User())
		},
	}
	if secret != "" {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(password, []byte(secret)) == 1 {
				return &ssh.Permissions{
					Extensions: map[string]string{"auth-method": "password"},
				}, nil
			}
			return nil, fmt.Errorf("%w: wrong password for %q", ErrAuthRejected, meta.User())
		}
	}
	return cfg
}

// loadOrCreateHostKey reads the host key at path, generating and saving an
// ed25519 key on first start.
func loadOrCreateHostKey(path string, logger *slog.Logger) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Info("generating host key", "path", path)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
